package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldmap/api/internal/pin"
)

// OSRM is a client for an OSRM-compatible routing service
// (GET /route/v1/{profile}/{lon},{lat};... with steps enabled).
type OSRM struct {
	baseURL    string
	profile    string
	httpClient *http.Client
}

func NewOSRM(baseURL string) *OSRM {
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type osrmResponse struct {
	Code   string      `json:"code"`
	Routes []osrmRoute `json:"routes"`
}

type osrmRoute struct {
	Distance float64   `json:"distance"`
	Duration float64   `json:"duration"`
	Legs     []osrmLeg `json:"legs"`
}

type osrmLeg struct {
	Steps []osrmStep `json:"steps"`
}

type osrmStep struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Name     string  `json:"name"`
	Maneuver struct {
		Type     string `json:"type"`
		Modifier string `json:"modifier"`
	} `json:"maneuver"`
}

// ComputeRoute requests a route through the waypoints in the given order and
// normalizes the first returned alternative.
func (o *OSRM) ComputeRoute(ctx context.Context, waypoints []pin.Coords) (Route, error) {
	if len(waypoints) < 2 {
		return Route{}, fmt.Errorf("need at least 2 waypoints, got %d", len(waypoints))
	}

	coords := make([]string, len(waypoints))
	for i, w := range waypoints {
		coords[i] = fmt.Sprintf("%f,%f", w.Lng, w.Lat)
	}
	u := fmt.Sprintf("%s/route/v1/%s/%s?overview=false&steps=true",
		o.baseURL, o.profile, strings.Join(coords, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("routing API returned HTTP %d", resp.StatusCode)
	}

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Route{}, fmt.Errorf("decoding response: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Route{}, fmt.Errorf("routing failed: code=%s", body.Code)
	}

	primary := body.Routes[0]
	r := Route{
		Summary: Summary{
			TotalDistanceM: primary.Distance,
			TotalTimeS:     primary.Duration,
		},
	}
	for _, leg := range primary.Legs {
		for _, step := range leg.Steps {
			r.Instructions = append(r.Instructions, Instruction{
				Text:      stepText(step),
				DistanceM: step.Distance,
				TimeS:     step.Duration,
			})
		}
	}
	return r, nil
}

func stepText(s osrmStep) string {
	var b strings.Builder
	switch s.Maneuver.Type {
	case "depart":
		b.WriteString("Head out")
	case "arrive":
		b.WriteString("Arrive at destination")
	case "turn", "end of road", "fork":
		b.WriteString("Turn")
		if s.Maneuver.Modifier != "" {
			b.WriteString(" " + s.Maneuver.Modifier)
		}
	case "roundabout", "rotary":
		b.WriteString("Take the roundabout")
	case "merge":
		b.WriteString("Merge")
		if s.Maneuver.Modifier != "" {
			b.WriteString(" " + s.Maneuver.Modifier)
		}
	case "continue", "new name", "":
		b.WriteString("Continue")
		if s.Maneuver.Modifier != "" && s.Maneuver.Modifier != "straight" {
			b.WriteString(" " + s.Maneuver.Modifier)
		}
	default:
		b.WriteString("Continue")
	}
	if s.Name != "" && s.Maneuver.Type != "arrive" {
		b.WriteString(" onto " + s.Name)
	}
	return b.String()
}
