// Package export renders the current filtered pin view as CSV and optionally
// archives generated exports to object storage.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"fieldmap/api/internal/pin"
)

var csvHeader = []string{
	"name", "tehsil", "status", "population", "coordinates",
	"lastVisit", "nextVisitTarget", "notes", "contacts",
}

// CSV renders one row per pin. Contacts are joined as "name (contact)"
// entries separated by semicolons; a contact without a number appears as its
// bare name.
func CSV(pins []pin.Pin) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, p := range pins {
		row := []string{
			p.Name,
			p.Tehsil,
			string(p.Status),
			p.Population,
			fmt.Sprintf("%g,%g", p.Coords.Lat, p.Coords.Lng),
			p.LastVisit,
			p.NextVisitTarget,
			p.Notes,
			contactsCell(p.Contacts),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row for %s: %w", p.ID, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func contactsCell(contacts []pin.Contact) string {
	parts := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.Contact != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", c.Name, c.Contact))
			continue
		}
		parts = append(parts, c.Name)
	}
	return strings.Join(parts, "; ")
}
