package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Photon is a client for a Photon-compatible forward geocoder
// (GeoJSON FeatureCollection responses, coordinates as [lon, lat]).
type Photon struct {
	baseURL    string
	httpClient *http.Client
}

func NewPhoton(baseURL string) *Photon {
	return &Photon{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type photonResponse struct {
	Features []photonFeature `json:"features"`
}

type photonFeature struct {
	Geometry struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties struct {
		Name    string `json:"name"`
		City    string `json:"city"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"properties"`
}

// Search performs a single request/response geocoding call.
func (p *Photon) Search(ctx context.Context, text string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 8
	}
	u := fmt.Sprintf("%s/api?q=%s&limit=%d", p.baseURL, url.QueryEscape(text), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding API returned HTTP %d", resp.StatusCode)
	}

	var body photonResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	matches := make([]Match, 0, len(body.Features))
	for _, f := range body.Features {
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		matches = append(matches, Match{
			Lon:   f.Geometry.Coordinates[0],
			Lat:   f.Geometry.Coordinates[1],
			Label: featureLabel(f),
		})
	}
	return matches, nil
}

func featureLabel(f photonFeature) string {
	parts := make([]string, 0, 4)
	for _, s := range []string{f.Properties.Name, f.Properties.City, f.Properties.State, f.Properties.Country} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}
