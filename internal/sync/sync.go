// Package sync maintains the live, per-(user, project) mirror of the remote
// pin collection. A Subscription loads the full snapshot on every change tick
// and republishes the collection atomically; consumers only ever observe a
// complete snapshot, never a partial update.
package sync

import (
	"context"
	"fmt"
	"log"
	"sync"

	"fieldmap/api/internal/feed"
	"fieldmap/api/internal/metrics"
	"fieldmap/api/internal/pin"
)

// Collection is one published state of the mirror. Pins is always non-nil
// once Loading is false. Err is set when the subscription or a reload failed;
// the last known-good pins are kept alongside it rather than torn down
// silently.
type Collection struct {
	Pins    []pin.Pin
	Loading bool
	Err     error
	Seq     uint64
}

// Store is the snapshot read the synchronizer needs from the document store.
type Store interface {
	ListPins(ctx context.Context, userID, projectID string) ([]map[string]any, error)
}

// Ticker is a live change-tick stream.
type Ticker interface {
	Ticks() <-chan struct{}
	Close()
}

// Feed opens tick streams per scope.
type Feed interface {
	Subscribe(ctx context.Context, userID, projectID string) (Ticker, error)
}

// BusFeed adapts a feed.Bus to the Feed interface.
type BusFeed struct {
	Bus *feed.Bus
}

func (f BusFeed) Subscribe(ctx context.Context, userID, projectID string) (Ticker, error) {
	return f.Bus.Subscribe(ctx, userID, projectID)
}

// Syncer creates scope-bound subscriptions.
type Syncer struct {
	store Store
	feed  Feed
}

func New(store Store, feed Feed) *Syncer {
	return &Syncer{store: store, feed: feed}
}

// Subscription mirrors one (user, project) scope. It is bound to its scope at
// creation, so pins from another project can never appear on it; switching
// scope means closing this subscription and opening a new one.
type Subscription struct {
	userID    string
	projectID string

	updates chan Collection
	cancel  context.CancelFunc

	mu      sync.Mutex
	current Collection
	seq     uint64

	closeOnce sync.Once
}

// Watch starts mirroring the scope. An empty userID or projectID yields an
// immediate empty, non-loading collection and no remote subscription.
func (s *Syncer) Watch(ctx context.Context, userID, projectID string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		userID:    userID,
		projectID: projectID,
		updates:   make(chan Collection, 1),
		cancel:    cancel,
		current:   Collection{Loading: true},
	}

	if userID == "" || projectID == "" {
		sub.publish(Collection{Pins: []pin.Pin{}})
		cancel()
		return sub
	}

	sub.publish(Collection{Loading: true})
	go sub.run(ctx, s.store, s.feed)
	return sub
}

// Updates delivers published collections. A slow consumer only ever sees the
// latest collection; intermediate snapshots it missed are superseded, never
// interleaved. The channel is not closed; callers stop reading after Close.
func (sub *Subscription) Updates() <-chan Collection {
	return sub.updates
}

// Current returns the most recently published collection.
func (sub *Subscription) Current() Collection {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.current
}

// Close cancels the subscription exactly once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(sub.cancel)
}

func (sub *Subscription) publish(c Collection) {
	sub.mu.Lock()
	sub.seq++
	c.Seq = sub.seq
	sub.current = c
	sub.mu.Unlock()

	// cap-1 channel with replace-on-full: the pending value is stale by
	// definition, the new collection fully supersedes it
	for {
		select {
		case sub.updates <- c:
			return
		default:
			select {
			case <-sub.updates:
			default:
			}
		}
	}
}

func (sub *Subscription) run(ctx context.Context, store Store, fd Feed) {
	ticker, err := fd.Subscribe(ctx, sub.userID, sub.projectID)
	if err != nil {
		log.Printf("sync: subscribe %s/%s: %v", sub.userID, sub.projectID, err)
		sub.publish(Collection{Pins: []pin.Pin{}, Err: fmt.Errorf("subscription failed: %w", err)})
		return
	}
	defer ticker.Close()

	if !sub.reload(ctx, store, nil) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticker.Ticks():
			if !ok {
				last := sub.Current()
				sub.publish(Collection{Pins: last.Pins, Err: fmt.Errorf("subscription lost")})
				return
			}
			if !sub.reload(ctx, store, sub.Current().Pins) {
				return
			}
		}
	}
}

// reload reads the full snapshot and publishes it. On failure the last
// known-good pins stay visible with the error surfaced next to them. Returns
// false when the context is gone.
func (sub *Subscription) reload(ctx context.Context, store Store, lastGood []pin.Pin) bool {
	docs, err := store.ListPins(ctx, sub.userID, sub.projectID)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		log.Printf("sync: snapshot %s/%s: %v", sub.userID, sub.projectID, err)
		if lastGood == nil {
			lastGood = []pin.Pin{}
		}
		sub.publish(Collection{Pins: lastGood, Err: fmt.Errorf("snapshot load failed: %w", err)})
		return true
	}

	pins := make([]pin.Pin, 0, len(docs))
	for _, doc := range docs {
		p := pin.FromDoc(doc)
		if p.ProjectID != "" && p.ProjectID != sub.projectID {
			// cross-project leakage guard; the store query scopes already
			log.Printf("sync: dropped pin %s from project %s while mirroring %s", p.ID, p.ProjectID, sub.projectID)
			continue
		}
		pins = append(pins, p)
	}
	pins = dedupe(pins)

	metrics.SnapshotsPublished.Inc()
	sub.publish(Collection{Pins: pins})
	return true
}

// dedupe keeps the first occurrence per pin id. The store's primary key makes
// duplicates impossible in practice; the synchronizer still never exposes two
// entries with the same id.
func dedupe(pins []pin.Pin) []pin.Pin {
	seen := make(map[string]struct{}, len(pins))
	out := pins[:0]
	for _, p := range pins {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
