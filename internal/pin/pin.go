// Package pin defines the geotagged record ("village") model shared by the
// synchronizer, the mutation gateway, and every read-side projection.
package pin

import "strings"

// Status is the visit state of a pin. The set is closed; anything else is
// rejected at the gateway before a write is attempted.
type Status string

const (
	StatusVisited    Status = "visited"
	StatusPlanned    Status = "planned"
	StatusNotVisited Status = "not-visited"
)

// ValidStatus reports whether s is one of the three allowed values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusVisited, StatusPlanned, StatusNotVisited:
		return true
	}
	return false
}

// Coords is a latitude/longitude pair.
type Coords struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Contact is one contact entry attached to a pin. A contact with a non-empty
// Contact value must also carry a non-empty Name.
type Contact struct {
	Name            string `json:"name" validate:"required_with=Contact"`
	Contact         string `json:"contact,omitempty" validate:"omitempty,phonedigits"`
	LastInteraction string `json:"lastInteraction,omitempty"`
	NextVisitTarget string `json:"nextVisitTarget,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// Empty reports whether every field of the contact is blank.
func (c Contact) Empty() bool {
	return c.Name == "" && c.Contact == "" && c.LastInteraction == "" &&
		c.NextVisitTarget == "" && c.Notes == ""
}

// Pin is a fully defaulted record: every optional field holds a defined zero
// value, never a null sentinel, so read paths never branch on presence.
type Pin struct {
	ID              string    `json:"id" validate:"required"`
	ProjectID       string    `json:"projectId" validate:"required"`
	Name            string    `json:"name" validate:"required"`
	Status          Status    `json:"status" validate:"oneof=visited planned not-visited"`
	Coords          Coords    `json:"coords"`
	Tehsil          string    `json:"tehsil,omitempty"`
	Population      string    `json:"population,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	LastVisit       string    `json:"lastVisit,omitempty"`
	NextVisitTarget string    `json:"nextVisitTarget,omitempty"`
	Contacts        []Contact `json:"contacts" validate:"dive"`
}

// Normalize trims user input, applies defaults for unset fields and drops
// fully empty contact rows. It returns the pin by value; the caller's copy is
// untouched.
func (p Pin) Normalize() Pin {
	p.Name = strings.TrimSpace(p.Name)
	p.Tehsil = strings.TrimSpace(p.Tehsil)
	p.Population = strings.TrimSpace(p.Population)
	p.Notes = strings.TrimSpace(p.Notes)
	p.LastVisit = strings.TrimSpace(p.LastVisit)
	p.NextVisitTarget = strings.TrimSpace(p.NextVisitTarget)
	if p.Status == "" {
		p.Status = StatusNotVisited
	}

	contacts := make([]Contact, 0, len(p.Contacts))
	for _, c := range p.Contacts {
		c.Name = strings.TrimSpace(c.Name)
		c.Contact = strings.TrimSpace(c.Contact)
		c.LastInteraction = strings.TrimSpace(c.LastInteraction)
		c.NextVisitTarget = strings.TrimSpace(c.NextVisitTarget)
		c.Notes = strings.TrimSpace(c.Notes)
		if c.Empty() {
			continue
		}
		contacts = append(contacts, c)
	}
	p.Contacts = contacts
	return p
}

// Doc flattens the pin into the document written to the remote store. Fields
// the user left empty are omitted entirely; the payload never carries an
// undefined or null value.
func (p Pin) Doc() map[string]any {
	doc := map[string]any{
		"id":        p.ID,
		"projectId": p.ProjectID,
		"name":      p.Name,
		"status":    string(p.Status),
		"lat":       p.Coords.Lat,
		"lng":       p.Coords.Lng,
	}
	putIf(doc, "tehsil", p.Tehsil)
	putIf(doc, "population", p.Population)
	putIf(doc, "notes", p.Notes)
	putIf(doc, "lastVisit", p.LastVisit)
	putIf(doc, "nextVisitTarget", p.NextVisitTarget)

	if len(p.Contacts) > 0 {
		contacts := make([]map[string]any, 0, len(p.Contacts))
		for _, c := range p.Contacts {
			entry := map[string]any{"name": c.Name}
			putIf(entry, "contact", c.Contact)
			putIf(entry, "lastInteraction", c.LastInteraction)
			putIf(entry, "nextVisitTarget", c.NextVisitTarget)
			putIf(entry, "notes", c.Notes)
			contacts = append(contacts, entry)
		}
		doc["contacts"] = contacts
	}
	return doc
}

func putIf(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

// FromDoc rebuilds a fully defaulted Pin from a raw store document. Missing
// optional fields become zero values; a missing or unknown status defaults to
// not-visited so downstream code never sees an open status set.
func FromDoc(doc map[string]any) Pin {
	p := Pin{
		ID:              docString(doc, "id"),
		ProjectID:       docString(doc, "projectId"),
		Name:            docString(doc, "name"),
		Status:          Status(docString(doc, "status")),
		Tehsil:          docString(doc, "tehsil"),
		Population:      docString(doc, "population"),
		Notes:           docString(doc, "notes"),
		LastVisit:       docString(doc, "lastVisit"),
		NextVisitTarget: docString(doc, "nextVisitTarget"),
		Coords: Coords{
			Lat: docFloat(doc, "lat"),
			Lng: docFloat(doc, "lng"),
		},
		Contacts: []Contact{},
	}
	if !ValidStatus(p.Status) {
		p.Status = StatusNotVisited
	}

	raw, ok := doc["contacts"].([]any)
	if !ok {
		return p
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := Contact{
			Name:            docString(entry, "name"),
			Contact:         docString(entry, "contact"),
			LastInteraction: docString(entry, "lastInteraction"),
			NextVisitTarget: docString(entry, "nextVisitTarget"),
			Notes:           docString(entry, "notes"),
		}
		if !c.Empty() {
			p.Contacts = append(p.Contacts, c)
		}
	}
	return p
}

func docString(doc map[string]any, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func docFloat(doc map[string]any, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
