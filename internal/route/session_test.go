package route

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldmap/api/internal/pin"
)

// gateEngine blocks each computation until released, tracking how many are
// active at once.
type gateEngine struct {
	mu       sync.Mutex
	active   int32
	maxSeen  int32
	started  chan int // waypoint count per started computation
	release  chan struct{}
	routeFor func(n int) Route
	err      error
}

func newGateEngine() *gateEngine {
	return &gateEngine{
		started: make(chan int, 8),
		release: make(chan struct{}, 8),
	}
}

func (g *gateEngine) ComputeRoute(ctx context.Context, waypoints []pin.Coords) (Route, error) {
	cur := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	g.mu.Lock()
	if cur > g.maxSeen {
		g.maxSeen = cur
	}
	g.mu.Unlock()

	g.started <- len(waypoints)
	select {
	case <-g.release:
	case <-ctx.Done():
		return Route{}, ctx.Err()
	}
	if g.err != nil {
		return Route{}, g.err
	}
	if g.routeFor != nil {
		return g.routeFor(len(waypoints)), nil
	}
	return Route{
		Instructions: []Instruction{{Text: "Head out", DistanceM: 100, TimeS: 60}},
		Summary:      Summary{TotalDistanceM: float64(len(waypoints)) * 1000, TotalTimeS: 600},
	}, nil
}

func pins(n int) []pin.Pin {
	out := make([]pin.Pin, n)
	for i := range out {
		out[i] = pin.Pin{ID: string(rune('a' + i)), Coords: pin.Coords{Lat: float64(i), Lng: float64(i)}}
	}
	return out
}

func waitResult(t *testing.T, s *Session, cond func(Result) bool) Result {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r := <-s.Updates():
			if cond(r) {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for result, current: %+v", s.Current())
		}
	}
}

func TestExtendingWaypointsTearsDownPriorComputation(t *testing.T) {
	engine := newGateEngine()
	s := NewSession(engine)
	defer s.Close()

	s.SetWaypoints(pins(2))
	<-engine.started // [A,B] computation running

	s.SetWaypoints(pins(3))
	<-engine.started // [A,B,C] computation running

	engine.mu.Lock()
	maxSeen := engine.maxSeen
	engine.mu.Unlock()
	// the [A,B] computation is context-cancelled; it may not have unwound
	// yet, but releasing both must yield only the [A,B,C] result
	engine.release <- struct{}{}
	engine.release <- struct{}{}

	r := waitResult(t, s, func(r Result) bool { return r.Active })
	if r.Route.Summary.TotalDistanceM != 3000 {
		t.Errorf("expected the 3-waypoint route, got %+v", r.Route.Summary)
	}
	if maxSeen > 2 {
		t.Errorf("more than one new computation overlapped unexpectedly: %d", maxSeen)
	}

	// the cancelled [A,B] goroutine unwinds asynchronously
	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&engine.active) != 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled computation never unwound")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFewerThanTwoWaypointsClearsRoute(t *testing.T) {
	engine := newGateEngine()
	s := NewSession(engine)
	defer s.Close()

	s.SetWaypoints(pins(2))
	<-engine.started
	engine.release <- struct{}{}
	waitResult(t, s, func(r Result) bool { return r.Active })

	s.SetWaypoints(pins(1))
	r := waitResult(t, s, func(r Result) bool { return !r.Active })
	if len(r.Route.Instructions) != 0 || r.Err != nil {
		t.Errorf("dropping below 2 waypoints must clear everything, got %+v", r)
	}
}

func TestEngineFailurePublishesNoInstructions(t *testing.T) {
	engine := newGateEngine()
	engine.err = errors.New("no route found")
	s := NewSession(engine)
	defer s.Close()

	s.SetWaypoints(pins(2))
	<-engine.started
	engine.release <- struct{}{}

	r := waitResult(t, s, func(r Result) bool { return r.Err != nil })
	if r.Active || len(r.Route.Instructions) != 0 {
		t.Errorf("failed computation must not publish instructions: %+v", r)
	}
}

func TestStaleResultNeverPublished(t *testing.T) {
	engine := newGateEngine()
	s := NewSession(engine)
	defer s.Close()

	s.SetWaypoints(pins(2))
	<-engine.started

	// supersede before the first computation finishes
	s.SetWaypoints(pins(4))
	<-engine.started
	engine.release <- struct{}{}
	engine.release <- struct{}{}

	r := waitResult(t, s, func(r Result) bool { return r.Active })
	if r.Route.Summary.TotalDistanceM != 4000 {
		t.Errorf("stale 2-waypoint result leaked through: %+v", r.Route.Summary)
	}
}

// A result that was published for an earlier waypoint set but never consumed
// must not be handed to a reader after the set changes.
func TestSupersededResultNeverDelivered(t *testing.T) {
	engine := newGateEngine()
	s := NewSession(engine)
	defer s.Close()

	s.SetWaypoints(pins(2))
	<-engine.started
	engine.release <- struct{}{}

	// let the 2-waypoint result publish without consuming it
	deadline := time.After(2 * time.Second)
	for !s.Current().Active {
		select {
		case <-deadline:
			t.Fatal("2-waypoint result never published")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// switch sets with the new computation still blocked in the engine
	s.SetWaypoints(pins(3))
	<-engine.started

	select {
	case r := <-s.Updates():
		t.Fatalf("received a result for the superseded set: %+v", r.Route.Summary)
	case <-time.After(50 * time.Millisecond):
	}
	if cur := s.Current(); cur.Active {
		t.Fatalf("superseded result still cached: %+v", cur.Route.Summary)
	}

	engine.release <- struct{}{}
	r := waitResult(t, s, func(r Result) bool { return r.Active })
	if r.Route.Summary.TotalDistanceM != 3000 {
		t.Errorf("expected the 3-waypoint route, got %+v", r.Route.Summary)
	}
}

func TestCloseCancelsActiveComputation(t *testing.T) {
	engine := newGateEngine()
	s := NewSession(engine)

	s.SetWaypoints(pins(2))
	<-engine.started

	s.Close()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&engine.active) != 0 {
		select {
		case <-deadline:
			t.Fatal("computation still active after Close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
