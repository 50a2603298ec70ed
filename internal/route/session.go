package route

import (
	"context"
	"fmt"
	"sync"

	"fieldmap/api/internal/metrics"
	"fieldmap/api/internal/pin"
)

// Result is one published routing state: either valid instructions for the
// current waypoint set, a failure, or nothing at all (Active false) when
// fewer than two waypoints are selected. Partial or stale instructions are
// never published.
type Result struct {
	Route  Route
	Err    error
	Active bool
}

// Session manages the route for one user's selected waypoints.
type Session struct {
	engine Engine

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	current Result
	updates chan Result

	closeOnce sync.Once
	baseCtx   context.Context
	baseStop  context.CancelFunc
}

func NewSession(engine Engine) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		engine:   engine,
		updates:  make(chan Result, 1),
		baseCtx:  ctx,
		baseStop: cancel,
	}
}

// Updates delivers routing results, latest-wins.
func (s *Session) Updates() <-chan Result { return s.updates }

// Current returns the most recently published result.
func (s *Session) Current() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetWaypoints reacts to any change of the selected waypoint list, including
// coordinate changes of a selected pin. The previous computation is torn down
// before a new one starts; fewer than two waypoints clears the published
// route outright.
func (s *Session) SetWaypoints(pins []pin.Pin) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		metrics.RouteTeardowns.Inc()
	}

	// a result for the superseded set must not outlive it: drop the
	// unconsumed update and the cached result before the new set takes over
	select {
	case <-s.updates:
	default:
	}
	s.current = Result{}

	if len(pins) < 2 {
		s.mu.Unlock()
		s.publish(gen, Result{})
		return
	}

	waypoints := make([]pin.Coords, len(pins))
	for i, p := range pins {
		waypoints[i] = p.Coords
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.mu.Unlock()

	metrics.RouteComputations.Inc()
	go s.compute(ctx, gen, waypoints)
}

func (s *Session) compute(ctx context.Context, gen uint64, waypoints []pin.Coords) {
	r, err := s.engine.ComputeRoute(ctx, waypoints)
	if ctx.Err() != nil {
		// torn down; a newer waypoint set owns the session now
		return
	}
	if err != nil {
		s.publish(gen, Result{Err: fmt.Errorf("route computation failed: %w", err)})
		return
	}
	s.publish(gen, Result{Route: r, Active: true})
}

// publish stores and emits the result unless a newer waypoint set has
// superseded gen in the meantime. The lock is held across the channel send
// so the generation check and the delivery are one step; SetWaypoints can
// never bump the generation between them. The send never blocks: the cap-1
// channel is drained under the same lock.
func (s *Session) publish(gen uint64, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.current = r

	for {
		select {
		case s.updates <- r:
			return
		default:
			select {
			case <-s.updates:
			default:
			}
		}
	}
}

// Close tears down the session and any active computation.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
		s.baseStop()
	})
}
