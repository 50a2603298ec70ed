package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldmap/api/internal/geocode"
	"fieldmap/api/internal/metrics"
	"fieldmap/api/internal/pin"
	livesync "fieldmap/api/internal/sync"
	"fieldmap/api/internal/views"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/api/auth/signup", s.handleSignUp)
	r.Post("/api/auth/signin", s.handleSignIn)
	r.Post("/api/auth/signout", s.handleSignOut)
	r.Get("/api/session", s.handleSessionInfo)

	// Everything below requires a signed-in session.
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/projects", s.handleListProjects)
		r.Post("/api/projects", s.handleCreateProject)
		r.Patch("/api/projects/{projectID}", s.handleRenameProject)
		r.Delete("/api/projects/{projectID}", s.handleDeleteProject)
		r.Put("/api/session/project", s.handleSelectProject)

		r.Get("/api/pins", s.handleListPins)
		r.Put("/api/pins/{pinID}", s.handleSavePin)
		r.Delete("/api/pins/{pinID}", s.handleDeletePin)
		r.Get("/api/pins/stream", s.handleStream)
		r.Get("/api/pins.csv", s.handleExportCSV)

		r.Get("/api/geocode", s.handleGeocode)
		r.Post("/api/route", s.handleRoute)

		r.Get("/api/place", s.handlePlaceState)
		r.Post("/api/place/search", s.handlePlaceOpenSearch)
		r.Post("/api/place/add-pin", s.handlePlaceArmAddPin)
		r.Get("/api/place/results", s.handlePlaceResults)
		r.Post("/api/place/choose", s.handlePlaceChoose)
		r.Post("/api/place/click", s.handlePlaceClick)
		r.Post("/api/place/confirm", s.handlePlaceConfirm)
		r.Post("/api/place/cancel", s.handlePlaceCancel)
		r.Delete("/api/place", s.handlePlaceExit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	return r
}

// ── health ──

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// ── auth ──

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		status, code, message, details := mapError(err)
		if status == http.StatusInternalServerError {
			status, code, message = http.StatusBadRequest, "SIGNUP_FAILED", err.Error()
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		_ = s.service.SignOut(r.Context(), token)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"userName":      sess.UserName,
		"projectId":     sess.ProjectID,
	})
}

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"token":     sess.Token,
		"userId":    sess.UserID,
		"userName":  sess.UserName,
		"projectId": sess.ProjectID,
	}
}

// ── projects ──

func (s *HTTPServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	items, err := s.service.Projects(r.Context(), sess)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": items})
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	project, err := s.service.CreateProject(r.Context(), sess, body.Name)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *HTTPServer) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.RenameProject(r.Context(), sess, chi.URLParam(r, "projectID"), body.Name); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	confirmed := r.URL.Query().Get("confirm") == "true"
	next, err := s.service.DeleteProject(r.Context(), sess, chi.URLParam(r, "projectID"), confirmed)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "currentProjectId": next})
}

func (s *HTTPServer) handleSelectProject(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		ProjectID string `json:"projectId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SelectProject(r.Context(), sess, body.ProjectID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "currentProjectId": body.ProjectID})
}

// ── pins ──

func filterParams(r *http.Request) (string, views.StatusFilter, error) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	filter := views.StatusFilter(r.URL.Query().Get("status"))
	if filter == "" {
		filter = views.FilterAll
	}
	if !views.ValidFilter(filter) {
		return "", "", fmt.Errorf("status must be one of all, visited, planned, not-visited")
	}
	return query, filter, nil
}

func (s *HTTPServer) handleListPins(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	query, filter, err := filterParams(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	payload, err := s.service.Pins(r.Context(), sess, query, filter)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleSavePin(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body pin.Pin
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.ID = chi.URLParam(r, "pinID")
	if body.ID == "new" {
		body.ID = ""
	}
	saved, err := s.service.SavePin(r.Context(), sess, body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pin": saved})
}

func (s *HTTPServer) handleDeletePin(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	confirmed := r.URL.Query().Get("confirm") == "true"
	if err := s.service.DeletePin(r.Context(), sess, chi.URLParam(r, "pinID"), confirmed); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStream bridges a live subscription onto SSE. One subscription per
// request; it dies with the connection or when the client goes away.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	query, filter, err := filterParams(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SUBSCRIPTION_FAILED", "Streaming unsupported", nil)
		return
	}

	sub := s.service.Watch(r.Context(), sess)
	defer sub.Close()

	// each snapshot is projected through the stream's own filter; the
	// memoization means a re-sent snapshot reuses the already-filtered slice
	var projector views.Projector

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case collection, open := <-sub.Updates():
			if !open {
				return
			}
			collection.Pins = projector.Project(collection.Seq, collection.Pins, query, filter)
			writeSSE(w, collection)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, collection livesync.Collection) {
	payload := map[string]any{
		"pins":    collection.Pins,
		"loading": collection.Loading,
		"seq":     collection.Seq,
	}
	if collection.Err != nil {
		payload["error"] = "live sync degraded, retrying"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("http: marshal sse payload: %v", err)
		return
	}
	fmt.Fprintf(w, "event: collection\ndata: %s\n\n", data)
}

// ── geocoding / routing / export ──

func (s *HTTPServer) handleGeocode(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, map[string]any{"matches": []any{}})
		return
	}
	limit := 5
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	matches, err := s.service.Geocode(r.Context(), query, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *HTTPServer) handleRoute(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	var body struct {
		PinIDs []string `json:"pinIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Route(r.Context(), sess, body.PinIDs)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if result.Err != nil {
		writeError(w, http.StatusBadGateway, "SEARCH_FAILED", "Route computation failed", nil)
		return
	}
	if !result.Active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":       true,
		"summary":      result.Route.Summary,
		"instructions": result.Route.Instructions,
	})
}

// ── placement ──

func (s *HTTPServer) handlePlaceState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.PlaceState(sessionFrom(r)))
}

func (s *HTTPServer) handlePlaceOpenSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.OpenPlaceSearch(sessionFrom(r)))
}

func (s *HTTPServer) handlePlaceArmAddPin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ArmAddPin(sessionFrom(r)))
}

func (s *HTTPServer) handlePlaceResults(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	matches, err := s.service.PlaceQuery(r.Context(), sessionFrom(r), query)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *HTTPServer) handlePlaceChoose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat   float64 `json:"lat"`
		Lon   float64 `json:"lon"`
		Label string  `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view := s.service.ChoosePlaceResult(sessionFrom(r), geocode.Match{Lat: body.Lat, Lon: body.Lon, Label: body.Label})
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePlaceClick(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.PlaceMapClick(sessionFrom(r), body.Lat, body.Lng))
}

func (s *HTTPServer) handlePlaceConfirm(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ConfirmPlacement(sessionFrom(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePlaceCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.CancelPlacement(sessionFrom(r)))
}

func (s *HTTPServer) handlePlaceExit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ExitPlacement(sessionFrom(r)))
}

func (s *HTTPServer) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	query, filter, err := filterParams(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
		return
	}
	data, filename, err := s.service.ExportCSV(r.Context(), sess, query, filter)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(data)
}

// ── middleware / helpers ──

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	sess, _ := r.Context().Value(sessionKey{}).(Session)
	return sess
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Sign in and select a project first", nil)
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
			return
		}

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.RequestDurationMs.Observe(float64(elapsed.Milliseconds()))
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
