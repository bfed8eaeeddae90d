// Package status exports the runtime state of a node: an HTTP API for status
// tooling and a keepalived style state file.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/election"
	"github.com/hramov/floatkeeper/internal/events"
	"github.com/hramov/floatkeeper/internal/notify"
)

// Node is the part of the election engine the API reads and adjusts.
type Node interface {
	Status() election.Status
	SetPriorityAdjustment(delta int)
}

type Alarms interface {
	Alarm() notify.Alarm
}

type Response struct {
	election.Status
	Alarm notify.Alarm `json:"alarm"`
}

type PriorityRequest struct {
	Adjustment *int `json:"adjustment"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	node   Node
	alarms Alarms
	recent *events.Ring
	log    *zap.Logger
}

// NewHandler routes the status API. recent may be nil.
func NewHandler(node Node, alarms Alarms, recent *events.Ring, log *zap.Logger) http.Handler {
	h := &handler{
		node:   node,
		alarms: alarms,
		recent: recent,
		log:    log.Named("status"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&requestLogger{log: h.log}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/status", h.status)
	r.Get("/state", h.state)
	r.Get("/events", h.events)
	r.Put("/priority", h.priority)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	resp := Response{Status: h.node.Status()}
	if h.alarms != nil {
		resp.Alarm = h.alarms.Alarm()
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// state answers in the format of the keepalived state file.
func (h *handler) state(w http.ResponseWriter, _ *http.Request) {
	st := h.node.Status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "STATE=%s\n", st.State)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	recent := []events.Event{}
	if h.recent != nil {
		recent = h.recent.Recent()
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.sendJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		if limit < len(recent) {
			recent = recent[len(recent)-limit:]
		}
	}
	h.sendJSON(w, http.StatusOK, recent)
}

// priority sets the operator adjustment. It changes the advertised priority,
// never the state directly.
func (h *handler) priority(w http.ResponseWriter, r *http.Request) {
	var req PriorityRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Adjustment == nil {
		h.sendJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"adjustment": <int>}`})
		return
	}

	h.log.Info("priority adjustment requested",
		zap.Int("adjustment", *req.Adjustment),
		zap.String("remote_addr", r.RemoteAddr))
	h.node.SetPriorityAdjustment(*req.Adjustment)
	h.sendJSON(w, http.StatusAccepted, req)
}

func (h *handler) sendJSON(w http.ResponseWriter, status int, obj any) {
	b, err := json.Marshal(obj)
	if err != nil {
		h.log.Error("cannot encode response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

type requestLogger struct {
	log *zap.Logger
}

func (l *requestLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{log: l.log.With(
		zap.String("req_id", middleware.GetReqID(r.Context())),
		zap.String("http_method", r.Method),
		zap.String("uri", r.RequestURI),
		zap.String("remote_addr", r.RemoteAddr),
	)}
}

type requestLogEntry struct {
	log *zap.Logger
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.log.Debug("request complete",
		zap.Int("status", status),
		zap.Int("bytes_length", bytes),
		zap.Duration("elapsed", elapsed))
}

func (e *requestLogEntry) Panic(v interface{}, stack []byte) {
	e.log.Error("request panicked", zap.Any("panic", v), zap.ByteString("stack", stack))
}
