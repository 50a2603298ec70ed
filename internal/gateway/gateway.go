// Package gateway is the only write path to the remote store. It validates
// and cleans every mutation before the write, publishes a change tick after
// it, and never touches the local mirror directly; reconciliation always
// happens through the synchronizer's next snapshot.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"fieldmap/api/internal/metrics"
	"fieldmap/api/internal/pin"
	"fieldmap/api/internal/store"
)

// Scope identifies the authenticated user and the selected project a mutation
// applies to.
type Scope struct {
	UserID    string
	ProjectID string
}

var (
	// ErrAuthRequired blocks mutations without a signed-in user and a
	// selected project.
	ErrAuthRequired = errors.New("sign in and select a project first")
	// ErrConfirmationRequired blocks destructive operations that were not
	// explicitly confirmed.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// ValidationError carries the field-level failures that blocked a save.
type ValidationError struct {
	Fields []pin.FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + " " + f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// RemoteError wraps a store rejection. The local collection is left untouched
// when it occurs.
type RemoteError struct {
	Err error
}

func (e *RemoteError) Error() string { return "remote write failed: " + e.Err.Error() }
func (e *RemoteError) Unwrap() error { return e.Err }

// Store is the write surface of the document store the gateway needs.
type Store interface {
	UpsertPin(ctx context.Context, userID, projectID, pinID string, doc map[string]any) error
	DeletePin(ctx context.Context, userID, projectID, pinID string) error
	CreateProject(ctx context.Context, p store.Project) error
	RenameProject(ctx context.Context, userID, projectID, name string) error
	DeleteProject(ctx context.Context, userID, projectID string) (string, error)
	SetCurrentProject(ctx context.Context, userID, projectID string) error
}

// Notifier publishes change ticks for a scope after successful writes.
type Notifier interface {
	Publish(ctx context.Context, userID, projectID string) error
}

type Gateway struct {
	store Store
	feed  Notifier
}

func New(store Store, feed Notifier) *Gateway {
	return &Gateway{store: store, feed: feed}
}

// SavePin validates, cleans and writes the full pin document. No store call is
// made unless the document passes validation. Returns the normalized pin as
// written.
func (g *Gateway) SavePin(ctx context.Context, scope Scope, p pin.Pin) (pin.Pin, error) {
	if scope.UserID == "" || scope.ProjectID == "" {
		return pin.Pin{}, ErrAuthRequired
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.ProjectID = scope.ProjectID
	p = p.Normalize()

	if fields := p.Validate(); fields != nil {
		return pin.Pin{}, &ValidationError{Fields: fields}
	}

	if err := g.store.UpsertPin(ctx, scope.UserID, scope.ProjectID, p.ID, p.Doc()); err != nil {
		metrics.WriteFailures.Inc()
		return pin.Pin{}, &RemoteError{Err: err}
	}

	g.notify(ctx, scope)
	return p, nil
}

// DeletePin removes a pin. The destructive path requires explicit
// confirmation; without it no store call is made at all.
func (g *Gateway) DeletePin(ctx context.Context, scope Scope, pinID string, confirmed bool) error {
	if scope.UserID == "" || scope.ProjectID == "" {
		return ErrAuthRequired
	}
	if !confirmed {
		return ErrConfirmationRequired
	}

	if err := g.store.DeletePin(ctx, scope.UserID, scope.ProjectID, pinID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		metrics.WriteFailures.Inc()
		return &RemoteError{Err: err}
	}

	g.notify(ctx, scope)
	return nil
}

// CreateProject creates a project and selects it as the user's current one.
func (g *Gateway) CreateProject(ctx context.Context, userID, name string) (store.Project, error) {
	if userID == "" {
		return store.Project{}, ErrAuthRequired
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, &ValidationError{Fields: []pin.FieldError{{Field: "Project.Name", Message: "is required"}}}
	}

	p := store.Project{ID: uuid.NewString(), UserID: userID, Name: name}
	if err := g.store.CreateProject(ctx, p); err != nil {
		metrics.WriteFailures.Inc()
		return store.Project{}, &RemoteError{Err: err}
	}
	if err := g.store.SetCurrentProject(ctx, userID, p.ID); err != nil {
		log.Printf("gateway: select new project %s: %v", p.ID, err)
	}
	return p, nil
}

func (g *Gateway) RenameProject(ctx context.Context, userID, projectID, name string) error {
	if userID == "" {
		return ErrAuthRequired
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Fields: []pin.FieldError{{Field: "Project.Name", Message: "is required"}}}
	}
	if err := g.store.RenameProject(ctx, userID, projectID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		metrics.WriteFailures.Inc()
		return &RemoteError{Err: err}
	}
	return nil
}

// DeleteProject removes a project and its pins. When the deleted project was
// current, the store atomically falls back to another owned project or to
// none; the new current project id is returned ("" for none).
func (g *Gateway) DeleteProject(ctx context.Context, userID, projectID string, confirmed bool) (string, error) {
	if userID == "" {
		return "", ErrAuthRequired
	}
	if !confirmed {
		return "", ErrConfirmationRequired
	}

	next, err := g.store.DeleteProject(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		metrics.WriteFailures.Inc()
		return "", &RemoteError{Err: err}
	}

	// wake any subscription still mirroring the deleted project
	g.notify(ctx, Scope{UserID: userID, ProjectID: projectID})
	return next, nil
}

// SelectProject re-points the user's current project.
func (g *Gateway) SelectProject(ctx context.Context, userID, projectID string) error {
	if userID == "" {
		return ErrAuthRequired
	}
	if err := g.store.SetCurrentProject(ctx, userID, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return &RemoteError{Err: err}
	}
	return nil
}

func (g *Gateway) notify(ctx context.Context, scope Scope) {
	if err := g.feed.Publish(ctx, scope.UserID, scope.ProjectID); err != nil {
		// the write landed; subscribers will catch up on the next tick
		log.Printf("gateway: publish change %s/%s: %v", scope.UserID, scope.ProjectID, err)
		return
	}
	metrics.ChangeTicksPublished.Inc()
}

// ErrorMessage renders a gateway error for a user-facing notification.
func ErrorMessage(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return "the change could not be saved, please retry"
	}
	return fmt.Sprintf("%v", err)
}
