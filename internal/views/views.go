// Package views derives the filtered pin views shared by the map markers,
// the summary panel, the contacts listing and the CSV export. Every consumer
// goes through the same Filter so their contents can never diverge.
package views

import (
	"strings"
	"sync"

	"fieldmap/api/internal/pin"
)

// StatusFilter narrows a view to one visit status, or "all".
type StatusFilter string

const (
	FilterAll        StatusFilter = "all"
	FilterVisited    StatusFilter = StatusFilter(pin.StatusVisited)
	FilterPlanned    StatusFilter = StatusFilter(pin.StatusPlanned)
	FilterNotVisited StatusFilter = StatusFilter(pin.StatusNotVisited)
)

// ValidFilter reports whether f is a known filter value.
func ValidFilter(f StatusFilter) bool {
	switch f {
	case FilterAll, FilterVisited, FilterPlanned, FilterNotVisited:
		return true
	}
	return false
}

// Filter is the single filtering rule of the whole application: a pin is
// included iff its name case-insensitively contains the query AND the status
// filter is "all" or matches exactly. Pure; the input slice is never
// modified.
func Filter(pins []pin.Pin, query string, f StatusFilter) []pin.Pin {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" && (f == FilterAll || f == "") {
		return pins
	}

	out := make([]pin.Pin, 0, len(pins))
	for _, p := range pins {
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) {
			continue
		}
		if f != FilterAll && f != "" && StatusFilter(p.Status) != f {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Stats are the per-status counts shown in the summary panel.
type Stats struct {
	Total      int `json:"total"`
	Visited    int `json:"visited"`
	Planned    int `json:"planned"`
	NotVisited int `json:"notVisited"`
}

// Count tallies pins per status.
func Count(pins []pin.Pin) Stats {
	s := Stats{Total: len(pins)}
	for _, p := range pins {
		switch p.Status {
		case pin.StatusVisited:
			s.Visited++
		case pin.StatusPlanned:
			s.Planned++
		default:
			s.NotVisited++
		}
	}
	return s
}

type projKey struct {
	seq    uint64
	query  string
	filter StatusFilter
}

// Projector memoizes Filter on (collection sequence, query, filter) so
// unrelated re-renders reuse the identical slice instead of recomputing.
type Projector struct {
	mu   sync.Mutex
	key  projKey
	pins []pin.Pin
	ok   bool
}

// Project returns the filtered view for the collection identified by seq.
// Repeated calls with the same inputs return the same slice.
func (pr *Projector) Project(seq uint64, pins []pin.Pin, query string, f StatusFilter) []pin.Pin {
	key := projKey{seq: seq, query: strings.ToLower(strings.TrimSpace(query)), filter: f}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.ok && pr.key == key {
		return pr.pins
	}
	pr.key = key
	pr.pins = Filter(pins, query, f)
	pr.ok = true
	return pr.pins
}
