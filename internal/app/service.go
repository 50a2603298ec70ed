package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldmap/api/internal/authpw"
	"fieldmap/api/internal/export"
	"fieldmap/api/internal/gateway"
	"fieldmap/api/internal/geocode"
	"fieldmap/api/internal/pin"
	"fieldmap/api/internal/place"
	"fieldmap/api/internal/route"
	"fieldmap/api/internal/session"
	"fieldmap/api/internal/store"
	livesync "fieldmap/api/internal/sync"
	"fieldmap/api/internal/util"
	"fieldmap/api/internal/views"
)

// Session is the resolved identity context of a request: who is signed in
// and which project their mutations and subscriptions apply to.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	ProjectID string
}

// Store is the full persistence surface the service composes over. The
// gateway and the synchronizer each see their own narrower slice of it.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	SetCurrentProject(ctx context.Context, userID, projectID string) error

	CreateProject(ctx context.Context, p store.Project) error
	RenameProject(ctx context.Context, userID, projectID, name string) error
	GetProject(ctx context.Context, userID, projectID string) (store.Project, error)
	ListProjects(ctx context.Context, userID string) ([]store.Project, error)
	DeleteProject(ctx context.Context, userID, projectID string) (string, error)

	ListPins(ctx context.Context, userID, projectID string) ([]store.PinDoc, error)
	UpsertPin(ctx context.Context, userID, projectID, pinID string, doc store.PinDoc) error
	DeletePin(ctx context.Context, userID, projectID, pinID string) error
}

// Sessions is the token store the service needs.
type Sessions interface {
	Save(ctx context.Context, token string, data session.Data) error
	Lookup(ctx context.Context, token string) (session.Data, error)
	SetProject(ctx context.Context, token, projectID string) error
	Revoke(ctx context.Context, token string) error
}

// Geocoder answers forward-geocoding queries and keeps the place index in
// step with pin writes.
type Geocoder interface {
	Search(ctx context.Context, text string, limit int) ([]geocode.Match, error)
	IndexPlace(p geocode.Place)
	DeletePlace(id string)
}

type Service struct {
	store    Store
	sessions Sessions
	auth     *authpw.Service
	gw       *gateway.Gateway
	syncer   *livesync.Syncer
	geocoder Geocoder
	engine   route.Engine
	archive  *export.Archive

	mu     sync.Mutex
	routes map[string]*route.Session
	places map[string]*place.Controller
}

func NewService(st Store, sessions Sessions, gw *gateway.Gateway, syncer *livesync.Syncer, geocoder Geocoder, engine route.Engine, archive *export.Archive) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		auth:     authpw.NewService(st),
		gw:       gw,
		syncer:   syncer,
		geocoder: geocoder,
		engine:   engine,
		archive:  archive,
		routes:   make(map[string]*route.Session),
		places:   make(map[string]*place.Controller),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── identity ──

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.auth.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token := util.NewID("sess")
	data := session.Data{
		UserID:    user.ID,
		ProjectID: user.CurrentProjectID,
		CreatedAt: time.Now(),
	}
	if err := s.sessions.Save(ctx, token, data); err != nil {
		return Session{}, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Could not create session", nil)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ProjectID: user.CurrentProjectID,
	}, nil
}

// SignOut revokes the token and tears down any route session and placement
// controller bound to it.
func (s *Service) SignOut(ctx context.Context, token string) error {
	s.dropRouteSession(token)
	s.dropPlaceController(token)
	return s.sessions.Revoke(ctx, token)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	data, err := s.sessions.Lookup(ctx, token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ProjectID: data.ProjectID,
	}, nil
}

// ── projects ──

type ProjectView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	Current   bool   `json:"current"`
}

func (s *Service) Projects(ctx context.Context, sess Session) ([]ProjectView, error) {
	projects, err := s.store.ListProjects(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		items = append(items, ProjectView{
			ID:        p.ID,
			Name:      p.Name,
			CreatedAt: p.CreatedAt.Unix(),
			Current:   p.ID == sess.ProjectID,
		})
	}
	return items, nil
}

// CreateProject creates the project and makes it the session's current one.
func (s *Service) CreateProject(ctx context.Context, sess Session, name string) (ProjectView, error) {
	p, err := s.gw.CreateProject(ctx, sess.UserID, name)
	if err != nil {
		return ProjectView{}, err
	}
	if err := s.sessions.SetProject(ctx, sess.Token, p.ID); err != nil {
		log.Printf("app: repoint session after create project: %v", err)
	}
	return ProjectView{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt.Unix(), Current: true}, nil
}

func (s *Service) RenameProject(ctx context.Context, sess Session, projectID, name string) error {
	return s.gw.RenameProject(ctx, sess.UserID, projectID, name)
}

// DeleteProject removes the project and re-points the session to whatever
// project the store fell back to. The returned id is "" when no project
// remains.
func (s *Service) DeleteProject(ctx context.Context, sess Session, projectID string, confirmed bool) (string, error) {
	next, err := s.gw.DeleteProject(ctx, sess.UserID, projectID, confirmed)
	if err != nil {
		return "", err
	}
	if sess.ProjectID == projectID {
		if err := s.sessions.SetProject(ctx, sess.Token, next); err != nil {
			log.Printf("app: repoint session after delete project: %v", err)
		}
	}
	return next, nil
}

// SelectProject switches the session's current project. Ownership is checked
// first so one user can never select into another user's project.
func (s *Service) SelectProject(ctx context.Context, sess Session, projectID string) error {
	if _, err := s.store.GetProject(ctx, sess.UserID, projectID); err != nil {
		return err
	}
	if err := s.gw.SelectProject(ctx, sess.UserID, projectID); err != nil {
		return err
	}
	if err := s.sessions.SetProject(ctx, sess.Token, projectID); err != nil {
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Could not switch project", nil)
	}
	return nil
}

// ── pins ──

// PinsPayload is one filtered read of the project's pins, shared by the map,
// the summary panel, the contacts listing and the CSV export.
type PinsPayload struct {
	Pins  []pin.Pin   `json:"pins"`
	Stats views.Stats `json:"stats"`
	Total int         `json:"total"`
}

func (s *Service) loadPins(ctx context.Context, sess Session) ([]pin.Pin, error) {
	if sess.ProjectID == "" {
		return []pin.Pin{}, nil
	}
	docs, err := s.store.ListPins(ctx, sess.UserID, sess.ProjectID)
	if err != nil {
		return nil, err
	}
	pins := make([]pin.Pin, 0, len(docs))
	for _, doc := range docs {
		pins = append(pins, pin.FromDoc(doc))
	}
	return pins, nil
}

func (s *Service) Pins(ctx context.Context, sess Session, query string, filter views.StatusFilter) (PinsPayload, error) {
	pins, err := s.loadPins(ctx, sess)
	if err != nil {
		return PinsPayload{}, err
	}
	filtered := views.Filter(pins, query, filter)
	return PinsPayload{
		Pins:  filtered,
		Stats: views.Count(pins),
		Total: len(pins),
	}, nil
}

func (s *Service) SavePin(ctx context.Context, sess Session, p pin.Pin) (pin.Pin, error) {
	saved, err := s.gw.SavePin(ctx, gateway.Scope{UserID: sess.UserID, ProjectID: sess.ProjectID}, p)
	if err != nil {
		return pin.Pin{}, err
	}
	if s.geocoder != nil {
		s.geocoder.IndexPlace(geocode.Place{
			ID:    saved.ID,
			Label: saved.Name,
			Lat:   saved.Coords.Lat,
			Lng:   saved.Coords.Lng,
		})
	}
	// a save is how a click-to-place flow ends; the pending marker goes away
	s.finishPlacement(sess.Token)
	return saved, nil
}

func (s *Service) DeletePin(ctx context.Context, sess Session, pinID string, confirmed bool) error {
	err := s.gw.DeletePin(ctx, gateway.Scope{UserID: sess.UserID, ProjectID: sess.ProjectID}, pinID, confirmed)
	if err != nil {
		return err
	}
	if s.geocoder != nil {
		s.geocoder.DeletePlace(pinID)
	}
	return nil
}

// Watch opens a live subscription on the session's current project. The
// caller owns the subscription and must close it.
func (s *Service) Watch(ctx context.Context, sess Session) *livesync.Subscription {
	return s.syncer.Watch(ctx, sess.UserID, sess.ProjectID)
}

// ── geocoding ──

func (s *Service) Geocode(ctx context.Context, query string, limit int) ([]geocode.Match, error) {
	if s.geocoder == nil {
		return nil, domainError(http.StatusBadGateway, "SEARCH_FAILED", "Geocoding is not configured", nil)
	}
	matches, err := s.geocoder.Search(ctx, query, limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domainError(http.StatusBadGateway, "SEARCH_FAILED", "Location search failed", nil)
	}
	return matches, nil
}

// ── placement ──

// PlaceView is the transient placement state the map client renders: the
// controller mode, the pending marker if one exists, and — right after a
// confirm — the draft the pin form is prefilled with.
type PlaceView struct {
	State  string        `json:"state"`
	Marker *place.Marker `json:"marker,omitempty"`
	Draft  *PlaceDraft   `json:"draft,omitempty"`
}

type PlaceDraft struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label"`
}

// OpenPlaceSearch activates the geosearch affordance.
func (s *Service) OpenPlaceSearch(sess Session) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.OpenSearch()
	return placeViewOf(ctrl)
}

// ArmAddPin arms click-to-place mode.
func (s *Service) ArmAddPin(sess Session) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.EnterAddPinMode()
	return placeViewOf(ctrl)
}

// PlaceQuery feeds the search box text through the debounced controller and
// waits for the matching result set. Text below the minimum query length
// cancels any in-flight search and returns no matches.
func (s *Service) PlaceQuery(ctx context.Context, sess Session, text string) ([]geocode.Match, error) {
	if s.geocoder == nil {
		return nil, domainError(http.StatusBadGateway, "SEARCH_FAILED", "Geocoding is not configured", nil)
	}
	ctrl := s.placeController(sess.Token)
	if ctrl.State() == place.Placing {
		return nil, domainError(http.StatusConflict, "PLACEMENT_IN_PROGRESS", "Finish the current placement first", nil)
	}
	ctrl.OpenSearch()
	ctrl.SetQuery(text)
	if len(strings.TrimSpace(text)) < place.MinQueryLen {
		return []geocode.Match{}, nil
	}
	select {
	case matches := <-ctrl.Results():
		return matches, nil
	case err := <-ctrl.Errors():
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domainError(http.StatusBadGateway, "SEARCH_FAILED", "Location search failed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ChoosePlaceResult materializes the pending marker from a picked match.
func (s *Service) ChoosePlaceResult(sess Session, m geocode.Match) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.ChooseResult(m)
	return placeViewOf(ctrl)
}

// PlaceMapClick forwards a map click to the placement state machine.
func (s *Service) PlaceMapClick(sess Session, lat, lng float64) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.MapClick(lat, lng)
	return placeViewOf(ctrl)
}

// ConfirmPlacement confirms the pending marker and returns the draft the pin
// edit form opens with.
func (s *Service) ConfirmPlacement(sess Session) (PlaceView, error) {
	ctrl := s.placeController(sess.Token)
	draft, ok := ctrl.ConfirmPlacement()
	if !ok {
		return PlaceView{}, domainError(http.StatusConflict, "NO_PENDING_MARKER", "No pending marker to confirm", nil)
	}
	v := placeViewOf(ctrl)
	v.Draft = &PlaceDraft{Lat: draft.Lat, Lng: draft.Lng, Label: draft.Label}
	return v, nil
}

// CancelPlacement ends an in-progress placement without a save.
func (s *Service) CancelPlacement(sess Session) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.FinishPlacement()
	return placeViewOf(ctrl)
}

// ExitPlacement leaves search mode and drops every transient artifact.
func (s *Service) ExitPlacement(sess Session) PlaceView {
	ctrl := s.placeController(sess.Token)
	ctrl.Exit()
	return placeViewOf(ctrl)
}

// PlaceState reads the current placement state without changing it.
func (s *Service) PlaceState(sess Session) PlaceView {
	return placeViewOf(s.placeController(sess.Token))
}

func placeViewOf(ctrl *place.Controller) PlaceView {
	v := PlaceView{State: ctrl.State().String()}
	if m, ok := ctrl.PendingMarker(); ok {
		v.Marker = &m
	}
	return v
}

func (s *Service) placeController(token string) *place.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.places[token]
	if !ok {
		ctrl = place.NewController(s.geocoder)
		s.places[token] = ctrl
	}
	return ctrl
}

func (s *Service) finishPlacement(token string) {
	s.mu.Lock()
	ctrl, ok := s.places[token]
	s.mu.Unlock()
	if ok {
		ctrl.FinishPlacement()
	}
}

func (s *Service) dropPlaceController(token string) {
	s.mu.Lock()
	ctrl, ok := s.places[token]
	delete(s.places, token)
	s.mu.Unlock()
	if ok {
		ctrl.Close()
	}
}

// ── routing ──

// Route resolves the requested pin ids against the current snapshot and
// hands them to the session's route computation. A repeated request tears
// the previous computation down first, so a slow OSRM answer for an old
// waypoint set is never returned.
func (s *Service) Route(ctx context.Context, sess Session, pinIDs []string) (route.Result, error) {
	pins, err := s.loadPins(ctx, sess)
	if err != nil {
		return route.Result{}, err
	}
	byID := make(map[string]pin.Pin, len(pins))
	for _, p := range pins {
		byID[p.ID] = p
	}
	waypoints := make([]pin.Pin, 0, len(pinIDs))
	for _, id := range pinIDs {
		p, ok := byID[id]
		if !ok {
			return route.Result{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Unknown pin id: "+id, nil)
		}
		waypoints = append(waypoints, p)
	}

	rs := s.routeSession(sess.Token)
	rs.SetWaypoints(waypoints)

	select {
	case result := <-rs.Updates():
		return result, nil
	case <-ctx.Done():
		return route.Result{}, ctx.Err()
	}
}

func (s *Service) routeSession(token string) *route.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.routes[token]
	if !ok {
		rs = route.NewSession(s.engine)
		s.routes[token] = rs
	}
	return rs
}

func (s *Service) dropRouteSession(token string) {
	s.mu.Lock()
	rs, ok := s.routes[token]
	delete(s.routes, token)
	s.mu.Unlock()
	if ok {
		rs.Close()
	}
}

// ── export ──

// ExportCSV renders the same filtered view the map shows as CSV and, when an
// archive is configured, keeps a copy in object storage.
func (s *Service) ExportCSV(ctx context.Context, sess Session, query string, filter views.StatusFilter) ([]byte, string, error) {
	pins, err := s.loadPins(ctx, sess)
	if err != nil {
		return nil, "", err
	}
	data, err := export.CSV(views.Filter(pins, query, filter))
	if err != nil {
		return nil, "", err
	}
	if key, err := s.archive.Store(ctx, sess.UserID, sess.ProjectID, data); err != nil {
		log.Printf("app: archive csv export: %v", err)
	} else if key != "" {
		log.Printf("app: archived csv export at %s", key)
	}
	filename := "pins-" + strconv.FormatInt(time.Now().Unix(), 10) + ".csv"
	return data, filename, nil
}
