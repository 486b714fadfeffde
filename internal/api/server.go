package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"event-pipeline/internal/app"
	"event-pipeline/internal/emitter"
	"event-pipeline/internal/export"
	"event-pipeline/internal/ratelimit"
	"event-pipeline/internal/store"
	"event-pipeline/internal/subscriptions"
	"event-pipeline/internal/telemetry"
)

// OrgHeader carries the tenant every request acts on.
const OrgHeader = "X-Org-ID"

const maxBatch = 100

type orgKey struct{}

// Server wires HTTP handlers for the event pipeline API.
type Server struct {
	app *app.App
	log *slog.Logger
}

// New constructs the API server.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{app: a, log: logger.With(slog.String("component", "api"))}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireOrg)

		r.Group(func(r chi.Router) {
			if s.app.Limiter != nil {
				r.Use(ratelimit.Middleware(s.app.Limiter, orgFromContext, telemetry.RateLimitRejects.Inc, s.log))
			}
			r.Post("/events", s.handleEmit)
			r.Post("/events/batch", s.handleEmitBatch)
		})

		r.Get("/events", s.handleListEvents)
		r.Get("/events/failed", s.handleFailedEvents)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Post("/replay/events", s.handleReplayEvents)
		r.Post("/replay/deliveries", s.handleReplayDeliveries)

		r.Post("/subscriptions", s.handleSubscribe)
		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Delete("/subscriptions/{id}", s.handleUnsubscribe)
		r.Post("/subscriptions/{id}/enable", s.handleEnableSubscription)
		r.Post("/subscriptions/{id}/disable", s.handleDisableSubscription)

		r.Get("/health/dashboard", s.handleDashboard)
		r.Get("/audit", s.handleAudit)
		r.Post("/audit/export", s.handleAuditExport)
		r.Get("/activities", s.handleActivities)
		r.Get("/inbox/{userId}", s.handleInbox)
	})
	return r
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var in emitter.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	in.OrgID = orgFromContext(r)
	evt, err := s.app.Emitter.Emit(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, evt)
}

type batchRequest struct {
	Events []emitter.Input `json:"events"`
}

func (s *Server) handleEmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("events must contain 1 to %d items", maxBatch))
		return
	}
	org := orgFromContext(r)
	for i := range req.Events {
		req.Events[i].OrgID = org
	}
	out, err := s.app.Emitter.EmitBatch(r.Context(), req.Events)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"events": out})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{OrgID: orgFromContext(r), Type: q.Get("type"), Status: q.Get("status")}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	f.Limit, f.Offset = page(r)
	items, err := s.app.Admin.ListEvents(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.app.Admin.GetEvent(r.Context(), orgFromContext(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Server) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	items, err := s.app.Admin.FailedEvents(r.Context(), orgFromContext(r), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	items, err := s.app.Admin.DeadLetters(r.Context(), orgFromContext(r), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return nil, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return nil, false
	}
	return req.IDs, true
}

func (s *Server) handleReplayEvents(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	res, err := s.app.Admin.ReplayEvents(r.Context(), orgFromContext(r), ids)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplayDeliveries(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	res, err := s.app.Admin.ReplayDeliveries(r.Context(), orgFromContext(r), ids)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var p subscriptions.SubscribeParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p.OrgID = orgFromContext(r)
	sub, err := s.app.Subscriptions.Subscribe(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SubscriptionFilter{OrgID: orgFromContext(r), UserID: q.Get("userId"), Channel: q.Get("channel")}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		f.ActiveOnly = active
	}
	items, err := s.app.Subscriptions.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Admin.DeleteSubscription(r.Context(), orgFromContext(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.app.Admin.EnableSubscription(r.Context(), orgFromContext(r), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "enabled"})
}

type disableRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDisableSubscription(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.app.Admin.DisableSubscription(r.Context(), orgFromContext(r), id, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "disabled"})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.app.Admin.Dashboard(r.Context(), orgFromContext(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		OrgID:      orgFromContext(r),
		Action:     q.Get("action"),
		EntityType: q.Get("entityType"),
		Severity:   q.Get("severity"),
		ActorID:    q.Get("actorId"),
	}
	if v := q.Get("compliance"); v != "" {
		only, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "compliance must be a boolean")
			return
		}
		f.ComplianceOnly = only
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	f.Limit, f.Offset = page(r)
	items, err := s.app.Admin.Audit(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.OrgID = orgFromContext(r)
	res, err := s.app.Exporter.Export(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.app.Admin.Activities(r.Context(), store.ActivityFilter{
		OrgID:      orgFromContext(r),
		EventID:    q.Get("eventId"),
		AssignedTo: q.Get("assignedTo"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	items, err := s.app.Admin.Inbox(r.Context(), orgFromContext(r), chi.URLParam(r, "userId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// fail maps domain errors onto status codes. Unexpected errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, emitter.ErrInvalidInput),
		errors.Is(err, subscriptions.ErrInvalidSubscription),
		errors.Is(err, export.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(OrgHeader)
		if org == "" {
			writeError(w, http.StatusBadRequest, OrgHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, org)))
	})
}

func orgFromContext(r *http.Request) string {
	org, _ := r.Context().Value(orgKey{}).(string)
	return org
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func page(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
