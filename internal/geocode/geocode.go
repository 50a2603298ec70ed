// Package geocode resolves free-text place queries into ranked coordinate
// matches. A Meilisearch gazetteer of previously saved places is tried first;
// an external Photon-style geocoder is the fallback.
package geocode

import (
	"context"
	"fmt"
	"log"

	"fieldmap/api/internal/metrics"
)

// Match is one ranked geocoding hit.
type Match struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label"`
}

// Searcher executes a forward-geocoding query.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]Match, error)
}

// Place is a gazetteer entry, typically a saved pin.
type Place struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// Service is the facade that prefers the local gazetteer and falls back to
// the remote geocoder. gazetteer may be nil when Meilisearch is not
// configured.
type Service struct {
	gazetteer *Gazetteer
	remote    Searcher
}

func NewService(gazetteer *Gazetteer, remote Searcher) *Service {
	return &Service{gazetteer: gazetteer, remote: remote}
}

// Search returns ranked matches for the query. Gazetteer hits come first;
// when the gazetteer is unavailable or empty for the query the remote
// geocoder answers alone. An error from both sides is surfaced; no partial
// results accompany it.
func (s *Service) Search(ctx context.Context, text string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 8
	}

	var matches []Match
	if s.gazetteer != nil && s.gazetteer.Healthy() {
		hits, err := s.gazetteer.Search(ctx, text, limit)
		if err != nil {
			log.Printf("geocode: gazetteer error, falling back to remote: %v", err)
		} else {
			metrics.GeocodeRequests.WithLabelValues("gazetteer").Inc()
			matches = hits
		}
	}
	if len(matches) >= limit {
		return matches[:limit], nil
	}

	remote, err := s.remote.Search(ctx, text, limit-len(matches))
	if err != nil {
		if len(matches) > 0 {
			// local hits still answer the query
			return matches, nil
		}
		return nil, fmt.Errorf("geocode %q: %w", text, err)
	}
	metrics.GeocodeRequests.WithLabelValues("remote").Inc()
	return append(matches, remote...), nil
}

// IndexPlace adds a place to the gazetteer (fire-and-forget).
func (s *Service) IndexPlace(p Place) {
	if s.gazetteer == nil || !s.gazetteer.Healthy() {
		return
	}
	go func() {
		if err := s.gazetteer.IndexPlace(p); err != nil {
			log.Printf("geocode: index place %s: %v", p.ID, err)
		}
	}()
}

// DeletePlace removes a place from the gazetteer (fire-and-forget).
func (s *Service) DeletePlace(id string) {
	if s.gazetteer == nil || !s.gazetteer.Healthy() {
		return
	}
	go func() {
		if err := s.gazetteer.DeletePlace(id); err != nil {
			log.Printf("geocode: delete place %s: %v", id, err)
		}
	}()
}
