package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/dirwatch/internal/agent"
	"github.com/tripwire/dirwatch/internal/queue"
	"github.com/tripwire/dirwatch/internal/registry"
	"github.com/tripwire/dirwatch/internal/storage"
	"github.com/tripwire/dirwatch/internal/watcher"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers. Only the
// watcher is mandatory; endpoints backed by a missing dependency answer 503.
type Server struct {
	watcher Watcher
	queue   BatchQueue
	events  EventStore
	stream  http.Handler
	logger  *slog.Logger
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithQueue backs /api/v1/batches with q.
func WithQueue(q BatchQueue) Option { return func(s *Server) { s.queue = q } }

// WithEvents backs /api/v1/events with es.
func WithEvents(es EventStore) Option { return func(s *Server) { s.events = es } }

// WithStream serves /api/v1/stream with h, typically a websocket handler.
func WithStream(h http.Handler) Option { return func(s *Server) { s.stream = h } }

// NewServer creates a new Server around w.
func NewServer(w Watcher, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{watcher: w, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// handleHealthz responds to GET /healthz with the agent health snapshot.
// The status code is 200 while the agent runs and 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.watcher.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type pathsResponse struct {
	Paths []string `json:"paths"`
}

type pathRequest struct {
	Path string `json:"path"`
}

// handleGetPaths responds to GET /api/v1/paths.
func (s *Server) handleGetPaths(w http.ResponseWriter, r *http.Request) {
	paths := s.watcher.Paths()
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, pathsResponse{Paths: paths})
}

// handleAddPath responds to POST /api/v1/paths with body {"path": "..."}.
// An existing watcher for the same path is replaced.
func (s *Server) handleAddPath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a 'path' field")
		return
	}
	if err := s.watcher.AddPath(req.Path); err != nil {
		s.writePathError(w, "add", req.Path, err)
		return
	}
	s.logger.Info("rest: path added", slog.String("path", req.Path))
	paths := s.watcher.Paths()
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusCreated, pathsResponse{Paths: paths})
}

// handleRemovePath responds to DELETE /api/v1/paths?path=...
func (s *Server) handleRemovePath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}
	if err := s.watcher.RemovePath(path); err != nil {
		s.writePathError(w, "remove", path, err)
		return
	}
	s.logger.Info("rest: path removed", slog.String("path", path))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePathError(w http.ResponseWriter, op, path string, err error) {
	switch {
	case errors.Is(err, registry.ErrEmptyPath):
		writeError(w, http.StatusBadRequest, "'path' must not be empty")
	case errors.Is(err, registry.ErrNotWatched):
		writeError(w, http.StatusNotFound, "path is not watched")
	case errors.Is(err, agent.ErrNotRunning), errors.Is(err, registry.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "agent is not running")
	default:
		s.logger.Warn("rest: path operation failed",
			slog.String("op", op),
			slog.String("path", path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op+" path")
	}
}

// handleGetBatches responds to GET /api/v1/batches.
//
// Supported query parameters:
//
//	limit – maximum number of batches (default 100, max 1000)
//
// Returns the oldest unacknowledged batches from the local queue.
func (s *Server) handleGetBatches(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "batch queue is not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	batches, err := s.queue.Dequeue(r.Context(), limit)
	if err != nil {
		s.logger.Warn("rest: dequeue failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to read batches")
		return
	}
	if batches == nil {
		batches = []queue.PendingBatch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

type ackRequest struct {
	IDs []int64 `json:"ids"`
}

// handleAckBatches responds to POST /api/v1/batches/ack with body
// {"ids": [1, 2, 3]}.
func (s *Server) handleAckBatches(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "batch queue is not configured")
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with a non-empty 'ids' array")
		return
	}
	if err := s.queue.Ack(r.Context(), req.IDs); err != nil {
		s.logger.Warn("rest: ack failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge batches")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	from        – RFC3339 start of the fired_at window (required)
//	to          – RFC3339 end of the fired_at window (required)
//	path_prefix – only events whose path starts with this value (optional)
//	kind        – one of created, modified, deleted (optional)
//	limit       – maximum number of results (default 100, max 1000)
//	offset      – pagination offset (default 0)
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event store is not configured")
		return
	}
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	eq := storage.EventQuery{
		From:       from,
		To:         to,
		PathPrefix: q.Get("path_prefix"),
	}
	if kind := q.Get("kind"); kind != "" {
		var k watcher.EventKind
		if err := k.UnmarshalText([]byte(kind)); err != nil {
			writeError(w, http.StatusBadRequest, "'kind' must be one of created, modified, deleted")
			return
		}
		eq.Kind = k
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	eq.Limit = limit

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.events.QueryEvents(r.Context(), eq)
	if err != nil {
		s.logger.Warn("rest: query events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStream hands GET /api/v1/stream to the configured stream handler.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream is not configured")
		return
	}
	s.stream.ServeHTTP(w, r)
}

// parseLimit reads the optional limit parameter, writing a 400 response and
// returning false when it is malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}
