package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxPlaces = "fieldmap_places"

// Gazetteer is a Meilisearch index of known places (saved pins and imported
// locations), searched before the remote geocoder so the user's own villages
// rank first.
type Gazetteer struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewGazetteer creates a Meilisearch client and configures the places index.
// The gazetteer starts unhealthy if the initial connection fails; the health
// loop will pick it up when it recovers.
func NewGazetteer(url, apiKey string) *Gazetteer {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	g := &Gazetteer{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("geocode: meilisearch unavailable at %s: %v", url, err)
		g.healthy.Store(false)
	} else {
		g.healthy.Store(true)
		g.configureIndex()
	}

	go g.healthLoop()
	return g
}

func (g *Gazetteer) configureIndex() {
	if _, err := g.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPlaces,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("geocode: create index %s (may already exist): %v", idxPlaces, err)
	}

	index := g.client.Index(idxPlaces)
	searchable := []string{"label"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("geocode: update searchable attrs: %v", err)
	}
}

func (g *Gazetteer) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			_, err := g.client.Health()
			wasHealthy := g.healthy.Load()
			g.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("geocode: meilisearch recovered, reconfiguring index")
				g.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (g *Gazetteer) Close() {
	close(g.done)
}

// Healthy reports whether Meilisearch is reachable.
func (g *Gazetteer) Healthy() bool {
	return g.healthy.Load()
}

// Search queries the places index.
func (g *Gazetteer) Search(ctx context.Context, text string, limit int) ([]Match, error) {
	if !g.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := g.client.Index(idxPlaces).SearchWithContext(ctx, text, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		g.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	matches := make([]Match, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		place, ok := hitToPlace(hit)
		if !ok {
			continue
		}
		matches = append(matches, Match{Lat: place.Lat, Lon: place.Lng, Label: place.Label})
	}
	return matches, nil
}

func hitToPlace(hit meili.Hit) (Place, bool) {
	var p Place
	raw, err := json.Marshal(hit)
	if err != nil {
		return Place{}, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Place{}, false
	}
	return p, p.Label != ""
}

// IndexPlace adds or updates a place in the gazetteer.
func (g *Gazetteer) IndexPlace(p Place) error {
	_, err := g.client.Index(idxPlaces).AddDocuments([]Place{p}, nil)
	return err
}

// DeletePlace removes a place from the gazetteer.
func (g *Gazetteer) DeletePlace(id string) error {
	_, err := g.client.Index(idxPlaces).DeleteDocument(id, nil)
	return err
}
