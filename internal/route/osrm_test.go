package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldmap/api/internal/pin"
)

const osrmBody = `{
	"code": "Ok",
	"routes": [
		{
			"distance": 5400.2,
			"duration": 720.5,
			"legs": [
				{
					"steps": [
						{"distance": 200, "duration": 30, "name": "Station Road", "maneuver": {"type": "depart"}},
						{"distance": 5000, "duration": 650, "name": "NH47", "maneuver": {"type": "turn", "modifier": "left"}},
						{"distance": 200.2, "duration": 40.5, "name": "", "maneuver": {"type": "arrive"}}
					]
				}
			]
		},
		{"distance": 9000, "duration": 1200, "legs": []}
	]
}`

func TestOSRMComputeRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(osrmBody))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL)
	r, err := o.ComputeRoute(context.Background(), []pin.Coords{
		{Lat: 21.8, Lng: 78.5},
		{Lat: 21.9, Lng: 78.6},
	})
	if err != nil {
		t.Fatalf("ComputeRoute failed: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/route/v1/driving/78.5") {
		t.Errorf("waypoints must be lon,lat ordered in the path, got %q", gotPath)
	}
	// only the primary route is normalized
	if r.Summary.TotalDistanceM != 5400.2 || r.Summary.TotalTimeS != 720.5 {
		t.Errorf("unexpected summary: %+v", r.Summary)
	}
	if len(r.Instructions) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(r.Instructions))
	}
	if r.Instructions[0].Text != "Head out onto Station Road" {
		t.Errorf("unexpected depart text: %q", r.Instructions[0].Text)
	}
	if r.Instructions[1].Text != "Turn left onto NH47" {
		t.Errorf("unexpected turn text: %q", r.Instructions[1].Text)
	}
	if r.Instructions[2].Text != "Arrive at destination" {
		t.Errorf("unexpected arrive text: %q", r.Instructions[2].Text)
	}
	if r.Instructions[1].DistanceM != 5000 || r.Instructions[1].TimeS != 650 {
		t.Errorf("step distance/time not carried: %+v", r.Instructions[1])
	}
}

func TestOSRMRejectsSingleWaypoint(t *testing.T) {
	o := NewOSRM("http://localhost:5000")
	if _, err := o.ComputeRoute(context.Background(), []pin.Coords{{Lat: 1, Lng: 2}}); err == nil {
		t.Fatal("expected error for a single waypoint")
	}
}

func TestOSRMErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code": "NoRoute", "routes": []}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL)
	_, err := o.ComputeRoute(context.Background(), []pin.Coords{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}})
	if err == nil || !strings.Contains(err.Error(), "NoRoute") {
		t.Fatalf("expected NoRoute error, got %v", err)
	}
}
