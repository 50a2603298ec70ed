// Package place drives the transient map state: forward-geocoding search, the
// single pending marker, and the click-to-place workflow. All of it is
// modelled as one explicit state machine so no orphaned marker or add-pin
// flag can survive a mode change.
package place

import (
	"context"
	"strings"
	"sync"
	"time"

	"fieldmap/api/internal/geocode"
)

// State is the controller's mode. Transitions:
// Idle → Searching → ResultPending → Placing → Idle.
type State int

const (
	Idle State = iota
	Searching
	ResultPending
	Placing
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case ResultPending:
		return "result-pending"
	case Placing:
		return "placing"
	}
	return "idle"
}

const (
	// DebounceWindow is how long text input must settle before a geocode
	// request fires.
	DebounceWindow = 300 * time.Millisecond
	// MinQueryLen is the minimum query length that triggers a search.
	MinQueryLen = 3

	defaultLimit = 8
)

// Marker is the single transient, non-persisted map marker awaiting
// confirmation.
type Marker struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label"`
}

// Draft is what a confirmed placement hands to the pin edit workflow: the
// coordinate plus a label to prefill the form. Name and status stay empty
// until the user fills them in.
type Draft struct {
	Lat   float64
	Lng   float64
	Label string
}

// Searcher is the geocoding collaborator.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]geocode.Match, error)
}

// Controller is one map session's placement state machine. Methods are safe
// for concurrent use; results and errors are delivered on their channels with
// latest-wins semantics.
type Controller struct {
	searcher Searcher
	debounce time.Duration

	mu        sync.Mutex
	state     State
	marker    *Marker
	addPin    bool
	timer     *time.Timer
	inflight  context.CancelFunc
	gen       uint64
	baseCtx   context.Context
	baseStop  context.CancelFunc
	closeOnce sync.Once

	results chan []geocode.Match
	errs    chan error
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounce overrides the debounce window (tests).
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

func NewController(searcher Searcher, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		searcher: searcher,
		debounce: DebounceWindow,
		baseCtx:  ctx,
		baseStop: cancel,
		results:  make(chan []geocode.Match, 1),
		errs:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Results delivers geocode matches for the latest settled query. A stale
// response never reaches this channel.
func (c *Controller) Results() <-chan []geocode.Match { return c.results }

// Errors delivers search failures as transient notifications.
func (c *Controller) Errors() <-chan error { return c.errs }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingMarker returns the transient marker, if one exists.
func (c *Controller) PendingMarker() (Marker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.marker == nil {
		return Marker{}, false
	}
	return *c.marker, true
}

// OpenSearch makes the geosearch affordance active.
func (c *Controller) OpenSearch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		c.state = Searching
	}
}

// EnterAddPinMode arms click-to-place. Any pending marker from a previous
// search result is cleared first; at most one transient placement artifact
// exists at a time.
func (c *Controller) EnterAddPinMode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearTransientLocked()
	c.addPin = true
	c.state = Searching
}

// SetQuery feeds debounced text input. Queries shorter than MinQueryLen
// cancel any pending or in-flight search instead of firing one.
func (c *Controller) SetQuery(text string) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Searching && c.state != ResultPending {
		return
	}

	// the previous not-yet-fired search is superseded either way
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(text) < MinQueryLen {
		c.cancelInflightLocked()
		return
	}

	c.timer = time.AfterFunc(c.debounce, func() {
		c.fire(text)
	})
}

func (c *Controller) fire(text string) {
	c.mu.Lock()
	if c.state != Searching && c.state != ResultPending {
		c.mu.Unlock()
		return
	}
	c.cancelInflightLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.inflight = cancel
	c.mu.Unlock()

	matches, err := c.searcher.Search(ctx, text, defaultLimit)

	c.mu.Lock()
	stale := gen != c.gen || ctx.Err() != nil
	c.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		deliver(c.errs, err)
		return
	}
	deliver(c.results, matches)
}

// ChooseResult materializes the pending marker from a geocode match and moves
// to ResultPending.
func (c *Controller) ChooseResult(m geocode.Match) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Searching && c.state != ResultPending {
		return
	}
	c.marker = &Marker{Lat: m.Lat, Lng: m.Lon, Label: m.Label}
	c.state = ResultPending
}

// MapClick places the pending marker at a clicked coordinate while add-pin
// mode is armed. Clicks outside add-pin mode while searching close the
// search instead.
func (c *Controller) MapClick(lat, lng float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addPin {
		c.marker = &Marker{Lat: lat, Lng: lng}
		c.state = ResultPending
		return
	}
	if c.state == Searching || c.state == ResultPending {
		c.clearTransientLocked()
		c.state = Idle
	}
}

// ConfirmPlacement confirms the pending marker and hands its coordinate and
// label over as a draft pin. The controller stays in Placing until the edit
// form saves or cancels.
func (c *Controller) ConfirmPlacement() (Draft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ResultPending || c.marker == nil {
		return Draft{}, false
	}
	c.state = Placing
	return Draft{Lat: c.marker.Lat, Lng: c.marker.Lng, Label: c.marker.Label}, true
}

// FinishPlacement returns to Idle after the edit form saved or cancelled and
// clears the marker.
func (c *Controller) FinishPlacement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Placing {
		return
	}
	c.clearTransientLocked()
	c.state = Idle
}

// CloseSearch handles a click outside the search affordance: the search UI
// closes and all transient state goes away.
func (c *Controller) CloseSearch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Searching || c.state == ResultPending {
		c.clearTransientLocked()
		c.state = Idle
	}
}

// Exit is the external leave-search-mode signal: from any state, every
// transient artifact is dropped and the controller is Idle again.
func (c *Controller) Exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearTransientLocked()
	c.state = Idle
}

// Close tears the controller down for good.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Exit()
		c.baseStop()
	})
}

func (c *Controller) clearTransientLocked() {
	c.marker = nil
	c.addPin = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancelInflightLocked()
}

func (c *Controller) cancelInflightLocked() {
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.gen++ // any response still in flight is now stale
}

// deliver replaces a pending unconsumed value so consumers always read the
// latest one.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
