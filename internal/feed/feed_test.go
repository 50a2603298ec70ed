package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	s := miniredis.RunT(t)
	bus, err := NewFromURL("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func waitTick(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Ticks():
		if !ok {
			t.Fatal("tick channel closed unexpectedly")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func TestPublishDeliversTick(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "user-1", "proj-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitTick(t, sub)
}

func TestScopesAreIsolated(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, "user-1", "proj-a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer subA.Close()

	// publish into a different project
	if err := bus.Publish(ctx, "user-1", "proj-b"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-subA.Ticks():
		t.Fatal("tick leaked across project scopes")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTicksCoalesce(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "user-1", "proj-1"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// at least one tick must arrive; a burst may collapse into fewer
	waitTick(t, sub)
}

func TestCloseStopsTicks(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub.Close()
	sub.Close() // second close must be a no-op

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Ticks():
			if !ok {
				return // channel closed, done
			}
		case <-deadline:
			t.Fatal("tick channel never closed after Close")
		}
	}
}
