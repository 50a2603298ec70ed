package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"fieldmap/api/internal/feed"
	"fieldmap/api/internal/pin"
)

type fakeStore struct {
	listPinsFn func(context.Context, string, string) ([]map[string]any, error)
}

func (f *fakeStore) ListPins(ctx context.Context, userID, projectID string) ([]map[string]any, error) {
	if f.listPinsFn != nil {
		return f.listPinsFn(ctx, userID, projectID)
	}
	return nil, nil
}

type fakeTicker struct {
	ticks  chan struct{}
	closed atomic.Int32
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ticks: make(chan struct{}, 8)}
}

func (f *fakeTicker) Ticks() <-chan struct{} { return f.ticks }
func (f *fakeTicker) Close()                 { f.closed.Add(1) }

type fakeFeed struct {
	ticker *fakeTicker
	err    error
}

func (f *fakeFeed) Subscribe(ctx context.Context, userID, projectID string) (Ticker, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ticker, nil
}

func doc(id, projectID, name, status string) map[string]any {
	return map[string]any{"id": id, "projectId": projectID, "name": name, "status": status, "lat": 1.0, "lng": 2.0}
}

// waitFor reads updates until cond holds or the deadline expires.
func waitFor(t *testing.T, sub *Subscription, cond func(Collection) bool) Collection {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-sub.Updates():
			if cond(c) {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for collection, current: %+v", sub.Current())
		}
	}
}

func TestEmptyScopeYieldsEmptyCollection(t *testing.T) {
	s := New(&fakeStore{}, &fakeFeed{ticker: newFakeTicker()})

	sub := s.Watch(context.Background(), "", "proj-1")
	defer sub.Close()

	c := waitFor(t, sub, func(c Collection) bool { return !c.Loading })
	if len(c.Pins) != 0 || c.Err != nil {
		t.Errorf("expected empty collection, got %+v", c)
	}
}

func TestFirstSnapshotMirrorsStore(t *testing.T) {
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, p string) ([]map[string]any, error) {
		return []map[string]any{
			doc("pin-1", "proj-1", "Amla", "visited"),
			doc("pin-2", "proj-1", "Betul", ""),
		}, nil
	}}
	s := New(st, &fakeFeed{ticker: newFakeTicker()})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	c := waitFor(t, sub, func(c Collection) bool { return !c.Loading })
	if c.Err != nil {
		t.Fatalf("unexpected error: %v", c.Err)
	}
	if len(c.Pins) != 2 {
		t.Fatalf("expected 2 pins, got %d", len(c.Pins))
	}
	if c.Pins[0].Name != "Amla" || c.Pins[0].Status != pin.StatusVisited {
		t.Errorf("pin not mapped: %+v", c.Pins[0])
	}
	// missing status must be defaulted, never left open
	if c.Pins[1].Status != pin.StatusNotVisited {
		t.Errorf("expected default status, got %q", c.Pins[1].Status)
	}
	if c.Pins[1].Contacts == nil {
		t.Error("contacts must be defaulted to an empty slice")
	}
}

func TestTickReloadsAndSupersedes(t *testing.T) {
	var phase atomic.Int32
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, p string) ([]map[string]any, error) {
		if phase.Load() == 0 {
			return []map[string]any{doc("pin-1", "proj-1", "Amla", "planned")}, nil
		}
		return []map[string]any{
			doc("pin-1", "proj-1", "Amla", "visited"),
			doc("pin-2", "proj-1", "Betul", "planned"),
		}, nil
	}}
	ticker := newFakeTicker()
	s := New(st, &fakeFeed{ticker: ticker})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	first := waitFor(t, sub, func(c Collection) bool { return !c.Loading })
	if len(first.Pins) != 1 {
		t.Fatalf("expected 1 pin initially, got %d", len(first.Pins))
	}

	phase.Store(1)
	ticker.ticks <- struct{}{}

	second := waitFor(t, sub, func(c Collection) bool { return len(c.Pins) == 2 })
	if second.Seq <= first.Seq {
		t.Errorf("snapshot must supersede: seq %d after %d", second.Seq, first.Seq)
	}
	if second.Pins[0].Status != pin.StatusVisited {
		t.Errorf("reload did not pick up the new status: %+v", second.Pins[0])
	}
}

func TestReloadErrorKeepsLastGoodPins(t *testing.T) {
	var fail atomic.Bool
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, p string) ([]map[string]any, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return []map[string]any{doc("pin-1", "proj-1", "Amla", "visited")}, nil
	}}
	ticker := newFakeTicker()
	s := New(st, &fakeFeed{ticker: ticker})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	waitFor(t, sub, func(c Collection) bool { return !c.Loading })

	fail.Store(true)
	ticker.ticks <- struct{}{}

	c := waitFor(t, sub, func(c Collection) bool { return c.Err != nil })
	if len(c.Pins) != 1 {
		t.Errorf("last good snapshot must survive a failed reload, got %d pins", len(c.Pins))
	}
}

func TestSubscribeFailureSurfacesError(t *testing.T) {
	s := New(&fakeStore{}, &fakeFeed{err: errors.New("redis down")})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	c := waitFor(t, sub, func(c Collection) bool { return c.Err != nil })
	if len(c.Pins) != 0 {
		t.Errorf("failed subscription must not invent pins: %+v", c)
	}
}

func TestCloseCancelsTicker(t *testing.T) {
	ticker := newFakeTicker()
	s := New(&fakeStore{}, &fakeFeed{ticker: ticker})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	waitFor(t, sub, func(c Collection) bool { return !c.Loading })

	sub.Close()
	sub.Close() // second close is a no-op

	deadline := time.After(2 * time.Second)
	for ticker.closed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("ticker was never closed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := ticker.closed.Load(); got != 1 {
		t.Errorf("ticker must be closed exactly once, got %d", got)
	}
}

func TestProjectSwitchShowsOnlyNewProject(t *testing.T) {
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, projectID string) ([]map[string]any, error) {
		if projectID == "proj-a" {
			return []map[string]any{doc("pin-a", "proj-a", "Alpha", "visited")}, nil
		}
		return []map[string]any{doc("pin-b", "proj-b", "Beta", "planned")}, nil
	}}
	s := New(st, &fakeFeed{ticker: newFakeTicker()})

	subA := s.Watch(context.Background(), "user-1", "proj-a")
	waitFor(t, subA, func(c Collection) bool { return !c.Loading })
	subA.Close()

	subB := s.Watch(context.Background(), "user-1", "proj-b")
	defer subB.Close()
	c := waitFor(t, subB, func(c Collection) bool { return !c.Loading })

	for _, p := range c.Pins {
		if p.ProjectID != "proj-b" {
			t.Errorf("pin from project %s visible after switching to proj-b", p.ProjectID)
		}
	}
	if len(c.Pins) != 1 || c.Pins[0].ID != "pin-b" {
		t.Errorf("expected only proj-b pins, got %+v", c.Pins)
	}
}

func TestDuplicateIDsNeverExposed(t *testing.T) {
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, p string) ([]map[string]any, error) {
		return []map[string]any{
			doc("pin-1", "proj-1", "Amla", "visited"),
			doc("pin-1", "proj-1", "Amla copy", "planned"),
		}, nil
	}}
	s := New(st, &fakeFeed{ticker: newFakeTicker()})

	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	c := waitFor(t, sub, func(c Collection) bool { return !c.Loading })
	if len(c.Pins) != 1 {
		t.Errorf("duplicate ids must collapse, got %d pins", len(c.Pins))
	}
}

func TestLiveUpdateOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := feed.NewFromURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("feed.NewFromURL failed: %v", err)
	}
	defer bus.Close()

	var phase atomic.Int32
	st := &fakeStore{listPinsFn: func(ctx context.Context, u, p string) ([]map[string]any, error) {
		if phase.Load() == 0 {
			return nil, nil
		}
		return []map[string]any{doc("pin-1", "proj-1", "Lake", "not-visited")}, nil
	}}

	s := New(st, BusFeed{Bus: bus})
	sub := s.Watch(context.Background(), "user-1", "proj-1")
	defer sub.Close()

	waitFor(t, sub, func(c Collection) bool { return !c.Loading })

	// simulate a remote write followed by its change notification
	phase.Store(1)
	if err := bus.Publish(context.Background(), "user-1", "proj-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	c := waitFor(t, sub, func(c Collection) bool { return len(c.Pins) == 1 })
	if c.Pins[0].Name != "Lake" {
		t.Errorf("unexpected pin after live update: %+v", c.Pins[0])
	}
}
