package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quorum/api/internal/auth"
	"quorum/api/internal/export"
	"quorum/api/internal/metrics"
	"quorum/api/internal/motion"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
)

const eventHeartbeat = 25 * time.Second

type HTTPServer struct {
	service  *Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limiter  *rateLimiter
}

// NewHTTPServer serves the service API. A nil gatherer disables /metrics.
func NewHTTPServer(service *Service, gatherer prometheus.Gatherer) *HTTPServer {
	return &HTTPServer{
		service:  service,
		logger:   service.logger,
		metrics:  service.metrics,
		gatherer: gatherer,
		limiter:  newRateLimiter(service.cfg.RateLimitRPS, service.cfg.RateLimitBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return newCORS(s.service.cfg.CORSOrigin).Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch r.URL.Path {
	case "/api/health":
		if readOnly {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	case "/api/ready":
		if readOnly {
			s.handleReady(w, r)
			return
		}
	case "/metrics":
		if readOnly && s.gatherer != nil {
			metrics.Handler(s.gatherer).ServeHTTP(w, r)
			return
		}
	case "/api/motions":
		s.handleMotions(w, r)
		return
	case "/api/motions/lift":
		if r.Method == http.MethodPost {
			s.handleLift(w, r)
			return
		}
	case "/api/committees":
		s.handleCommittees(w, r)
		return
	case "/api/meetings":
		s.handleMeetings(w, r)
		return
	case "/api/discussions":
		s.handleDiscussions(w, r)
		return
	case "/api/profile":
		s.handleProfile(w, r)
		return
	case "/api/search":
		if readOnly {
			s.handleSearch(w, r)
			return
		}
	case "/api/events":
		if r.Method == http.MethodGet {
			s.handleEvents(w, r)
			return
		}
	case "/api/minutes":
		if readOnly {
			s.handleMinutes(w, r)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// handleLift runs the postponement lift on demand, so a client polling on its own
// clock sees a due motion resume without waiting for the server's ticker.
func (s *HTTPServer) handleLift(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	lifted, err := s.service.LiftDuePostponements(r.Context(), s.service.clock())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"lifted": lifted})
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
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if pinger, ok := s.service.broker.(interface{ Ping(context.Context) error }); ok {
		checks["realtime"] = map[string]any{"status": "ok"}
		if err := pinger.Ping(ctx); err != nil {
			// Events degrade to the next client sync, so readiness is unaffected.
			checks["realtime"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// motionView is the wire form of a motion: the stored document plus its derived
// state and the legacy name alias.
type motionView struct {
	motion.Motion
	Name  string       `json:"name"`
	State motion.State `json:"state"`
}

func viewMotion(m motion.Motion) motionView {
	return motionView{Motion: m, Name: m.Title, State: m.State()}
}

func viewMotions(items []motion.Motion) []motionView {
	out := make([]motionView, 0, len(items))
	for _, m := range items {
		out = append(out, viewMotion(m))
	}
	return out
}

func (s *HTTPServer) handleMotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		if id := strings.TrimSpace(q.Get("id")); id != "" {
			m, err := s.service.GetMotion(r.Context(), id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, viewMotion(m))
			return
		}
		items, err := s.service.ListMotions(r.Context(), q.Get("committeeId"))
		if err != nil {
			s.failList(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewMotions(items))
	case http.MethodPost:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var in CreateMotionInput
		if !s.decode(w, r, &in) {
			return
		}
		m, err := s.service.CreateMotion(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewMotion(m))
	case http.MethodPatch:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var in UpdateMotionInput
		if !s.decode(w, r, &in) {
			return
		}
		if in.ID == "" {
			in.ID = strings.TrimSpace(q.Get("id"))
		}
		m, err := s.service.UpdateMotion(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewMotion(m))
	case http.MethodDelete:
		if _, ok := s.requireIdentity(w, r); !ok {
			return
		}
		result, err := s.service.DeleteMotions(r.Context(), q.Get("id"), q.Get("committeeId"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

type syncProfileInput struct {
	ProfileID string `json:"profileId"`
}

func (s *HTTPServer) handleCommittees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if r.Method == http.MethodGet {
		if id := strings.TrimSpace(q.Get("id")); id != "" {
			c, err := s.service.GetCommittee(r.Context(), id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		}
		items, err := s.service.ListCommittees(r.Context(), q.Get("member"))
		if err != nil {
			s.failList(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}
	if !isMutation(r.Method) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	caller, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodDelete && q.Get("syncProfile") == "1" {
		var in syncProfileInput
		if !s.decode(w, r, &in) {
			return
		}
		updated, err := s.service.SyncProfile(r.Context(), firstNonBlank(in.ProfileID, caller.Subject))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
		return
	}

	switch r.Method {
	case http.MethodPost:
		var in CommitteeInput
		if !s.decode(w, r, &in) {
			return
		}
		c, err := s.service.CreateCommittee(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	case http.MethodPatch:
		var in CommitteeInput
		if !s.decode(w, r, &in) {
			return
		}
		if in.ID == "" {
			in.ID = strings.TrimSpace(q.Get("id"))
		}
		c, created, err := s.service.UpdateCommittee(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, c)
	case http.MethodDelete:
		result, err := s.service.DeleteCommittee(r.Context(), caller, q.Get("id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *HTTPServer) handleMeetings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		meeting, err := s.service.CurrentMeeting(r.Context(), r.URL.Query().Get("committeeId"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meeting": meeting})
	case http.MethodPost:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var in StartMeetingInput
		if !s.decode(w, r, &in) {
			return
		}
		meeting, lifted, err := s.service.StartMeeting(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"meeting": meeting, "lifted": lifted})
	case http.MethodPatch:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var in UpdateMeetingInput
		if !s.decode(w, r, &in) {
			return
		}
		meeting, err := s.service.UpdateMeeting(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"meeting": meeting})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDiscussions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		if id := strings.TrimSpace(q.Get("id")); id != "" {
			d, err := s.service.GetDiscussion(r.Context(), id)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, d)
			return
		}
		items, err := s.service.ListDiscussions(r.Context(), q.Get("motionId"))
		if err != nil {
			s.failList(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		caller, ok := s.requireIdentity(w, r)
		if !ok {
			return
		}
		var in CreateDiscussionInput
		if !s.decode(w, r, &in) {
			return
		}
		d, err := s.service.CreateDiscussion(r.Context(), caller, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	caller, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodGet {
		p, err := s.service.Profile(r.Context(), caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}
	var in ProfileInput
	if !s.decode(w, r, &in) {
		return
	}
	p, err := s.service.UpdateProfile(r.Context(), caller, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := search.Query{
		Text:        q.Get("q"),
		FilterType:  search.ResultType(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		CommitteeID: strings.TrimSpace(q.Get("committeeId")),
	}
	if query.FilterType != "" && query.FilterType != search.ResultMotion && query.FilterType != search.ResultDiscussion {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "type must be motion or discussion", nil)
		return
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Offset, _ = strconv.Atoi(q.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), query))
}

// handleEvents streams committee change notifications as server-sent events until
// the client disconnects.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	ctx := r.Context()
	events, err := s.service.Subscribe(ctx, strings.TrimSpace(r.URL.Query().Get("committeeId")))
	if err != nil {
		s.logger.Warn("subscribe failed", "request_id", RequestID(ctx), "error", err)
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Event stream unavailable", nil)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(eventHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleMinutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "format must be html or pdf", nil)
		return
	}
	result, err := s.service.Minutes(r.Context(), export.MinutesRequest{
		CommitteeID: strings.TrimSpace(q.Get("committeeId")),
		MeetingID:   strings.TrimSpace(q.Get("meetingId")),
		Format:      format,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	disposition := "inline"
	if format == export.FormatPDF {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// identify resolves the caller. ok is false for anonymous requests; err is set only
// when a bearer token was sent and rejected.
func (s *HTTPServer) identify(r *http.Request) (auth.Identity, bool, error) {
	cfg := s.service.cfg
	if token := bearerToken(r); token != "" {
		id, err := auth.ParseToken([]byte(cfg.JWTSecret), token)
		if err != nil {
			return auth.Identity{}, false, err
		}
		return id, true, nil
	}
	if !cfg.Production() {
		return auth.DevIdentity(cfg.DevIdentity), true, nil
	}
	return auth.Identity{}, false, nil
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok, err := s.identify(r)
	if err != nil || !ok {
		if err != nil {
			s.logger.Info("rejected bearer token", "request_id", RequestID(r.Context()), "error", err)
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Identity{}, false
	}
	return id, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", RequestID(r.Context()), "status", status, "error", err)
	}
	writeError(w, status, code, message, details)
}

// failList answers a list GET. A storage outage degrades to an empty list.
func (s *HTTPServer) failList(w http.ResponseWriter, r *http.Request, err error) {
	if status, _, _, _ := mapError(err); status == http.StatusServiceUnavailable {
		s.logger.Warn("list degraded to empty", "request_id", RequestID(r.Context()), "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	s.fail(w, r, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
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
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Storage unavailable", nil
	case errors.Is(err, motion.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, motion.ErrInvalidStatus):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
