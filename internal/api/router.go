// Package api serves the REST surface clients fall back to when the hub is
// unavailable.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/auth"
	"github.com/example/roster-sync/internal/receipts"
	"github.com/example/roster-sync/internal/roster"
	"github.com/example/roster-sync/internal/types"
)

const maxBodyBytes = 1 << 16

var requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "api",
	Name:      "request_duration_seconds",
	Help:      "REST request latency by route and status code.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method", "code"})

func init() {
	prometheus.MustRegister(requestLatency)
}

// HealthFunc reports whether the server's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// Handler exposes the roster and receipts services over HTTP.
type Handler struct {
	roster   *roster.Service
	receipts *receipts.Service
	auth     auth.Authenticator
	health   HealthFunc
	logger   zerolog.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithHealthCheck makes /healthz report the result of fn.
func WithHealthCheck(fn HealthFunc) Option {
	return func(h *Handler) { h.health = fn }
}

// NewHandler builds the REST handler.
func NewHandler(rosterSvc *roster.Service, receiptsSvc *receipts.Service, authn auth.Authenticator, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{roster: rosterSvc, receipts: receiptsSvc, auth: authn, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the REST endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(h.healthz)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.observe, h.authenticate)

	api.Methods(http.MethodGet).Path("/events/{id}/positions").HandlerFunc(h.eventPositions)
	api.Methods(http.MethodGet).Path("/positions/{id}").HandlerFunc(h.position)
	api.Methods(http.MethodPost).Path("/positions/{id}/claim").HandlerFunc(h.claim)
	api.Methods(http.MethodPost).Path("/positions/{id}/release").HandlerFunc(h.release)
	api.Methods(http.MethodPost).Path("/positions/{id}/assign").HandlerFunc(h.assign)

	api.Methods(http.MethodGet).Path("/chats/{id}/messages").HandlerFunc(h.messages)
	api.Methods(http.MethodPost).Path("/chats/{id}/messages").HandlerFunc(h.send)
	api.Methods(http.MethodPost).Path("/chats/{id}/read").HandlerFunc(h.markRead)
	api.Methods(http.MethodGet).Path("/chats/{id}/receipts").HandlerFunc(h.readReceipts)
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		requestLatency.WithLabelValues(route, r.Method, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
		h.logger.Debug().Str("method", r.Method).Str("route", route).Int("status", m.Code).Dur("duration", m.Duration).Msg("handled")
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Authenticate(r)
		if err != nil {
			apperr.WriteHTTP(w, apperr.Wrap(apperr.KindUnauthorized, "authentication required", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) eventPositions(w http.ResponseWriter, r *http.Request) {
	list, err := h.roster.EventPositions(r.Context(), types.EventID(mux.Vars(r)["id"]))
	h.respond(w, r, http.StatusOK, list, err)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	pos, err := h.roster.Position(r.Context(), positionID(r))
	h.respond(w, r, http.StatusOK, pos, err)
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	pos, err := h.roster.Claim(r.Context(), positionID(r), caller(r).UserID)
	h.respond(w, r, http.StatusOK, pos, err)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	pos, err := h.roster.Release(r.Context(), positionID(r), caller(r).UserID)
	h.respond(w, r, http.StatusOK, pos, err)
}

// AssignRequest places UserID on a position; a null UserID clears it.
type AssignRequest struct {
	UserID *types.UserID `json:"userId"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeBody(r, &req); err != nil {
		h.respond(w, r, 0, nil, err)
		return
	}
	pos, err := h.roster.Assign(r.Context(), caller(r), positionID(r), req.UserID)
	h.respond(w, r, http.StatusOK, pos, err)
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respond(w, r, 0, nil, apperr.Invalid("limit must be an integer"))
			return
		}
		limit = n
	}
	list, err := h.receipts.Messages(r.Context(), chatID(r), limit)
	h.respond(w, r, http.StatusOK, list, err)
}

// SendRequest is the body of a new chat message.
type SendRequest struct {
	Body string `json:"body"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeBody(r, &req); err != nil {
		h.respond(w, r, 0, nil, err)
		return
	}
	msg, err := h.receipts.Send(r.Context(), chatID(r), caller(r).UserID, req.Body)
	h.respond(w, r, http.StatusCreated, msg, err)
}

// ReadRequest advances the caller's watermark to MessageID.
type ReadRequest struct {
	MessageID types.MessageID `json:"messageId"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decodeBody(r, &req); err != nil {
		h.respond(w, r, 0, nil, err)
		return
	}
	receipt, err := h.receipts.MarkRead(r.Context(), chatID(r), caller(r).UserID, req.MessageID)
	h.respond(w, r, http.StatusOK, receipt, err)
}

func (h *Handler) readReceipts(w http.ResponseWriter, r *http.Request) {
	list, err := h.receipts.Receipts(r.Context(), chatID(r))
	h.respond(w, r, http.StatusOK, list, err)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body any, err error) {
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		}
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Wrap(apperr.KindInvalid, "malformed request body", err)
	}
	return nil
}

func caller(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func positionID(r *http.Request) types.PositionID { return types.PositionID(mux.Vars(r)["id"]) }

func chatID(r *http.Request) types.ChatID { return types.ChatID(mux.Vars(r)["id"]) }
