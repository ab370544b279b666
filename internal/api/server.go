// Package api exposes attune over HTTP.
//
// Routes:
//
//	POST /memory/update: record an observation, returns {"ok": true}
//	POST /respond: answer a query with personalised context
//	GET  /memory/{user_id}: inspect a user's log and state
//
// /api/memory/update and /api/respond are served as aliases of the first two.
// Every failure is a JSON object {"error": "...", "retryable": bool}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/attune/internal/adaptive"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/personalize"
	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/vecmath"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Observer records observations. It is satisfied by [*adaptive.Updater].
type Observer interface {
	Observe(ctx context.Context, userID, kind, text string) (*adaptive.Result, error)
}

// Responder answers queries. It is satisfied by [*personalize.Pipeline].
type Responder interface {
	Respond(ctx context.Context, userID, query string) (*personalize.Response, error)
}

// Inspector reads a user's memory. It is satisfied by every [memory.Store].
type Inspector interface {
	ListByUser(ctx context.Context, userID string) ([]memory.Entry, error)
	State(ctx context.Context, userID string) (*memory.State, error)
}

// Server holds the HTTP handlers. Construct it with [New].
type Server struct {
	observer  Observer
	responder Responder
	inspector Inspector

	requestTimeout time.Duration
}

// Option configures a [Server].
type Option func(*Server)

// WithRequestTimeout bounds the work done for each request. Zero disables
// the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// New returns a Server.
func New(observer Observer, responder Responder, inspector Inspector, opts ...Option) *Server {
	s := &Server{observer: observer, responder: responder, inspector: inspector}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /memory/update", s.handleUpdate)
	mux.HandleFunc("POST /api/memory/update", s.handleUpdate)
	mux.HandleFunc("POST /respond", s.handleRespond)
	mux.HandleFunc("POST /api/respond", s.handleRespond)
	mux.HandleFunc("GET /memory/{user_id}", s.handleInspect)
}

// updateRequest is the JSON body of POST /memory/update.
type updateRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Kind   string `json:"kind"`
}

type updateResponse struct {
	OK bool `json:"ok"`
}

// handleUpdate handles POST /memory/update.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required", false)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	if _, err := s.observer.Observe(ctx, req.UserID, req.Kind, req.Text); err != nil {
		s.fail(ctx, w, "memory update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{OK: true})
}

// respondRequest is the JSON body of POST /respond.
type respondRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

type respondStats struct {
	LatencyMS int64 `json:"latency_ms"`
	RerankK   int   `json:"rerank_k"`
}

type respondResponse struct {
	Answer   string       `json:"answer"`
	UsedDocs []string     `json:"used_docs"`
	Stats    respondStats `json:"stats"`
}

// handleRespond handles POST /respond.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, "user_id and query are required", false)
		return
	}

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()
	resp, err := s.responder.Respond(ctx, req.UserID, req.Query)
	if err != nil {
		s.fail(ctx, w, "respond failed", err)
		return
	}
	used := resp.UsedDocs
	if used == nil {
		used = []string{}
	}
	writeJSON(w, http.StatusOK, respondResponse{
		Answer:   resp.Answer,
		UsedDocs: used,
		Stats:    respondStats{LatencyMS: resp.Stats.LatencyMS, RerankK: resp.Stats.RerankK},
	})
}

type entryView struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type inspectResponse struct {
	UserID       string      `json:"user_id"`
	Entries      []entryView `json:"entries"`
	HasLongTerm  bool        `json:"has_long_term"`
	LongTermDims int         `json:"long_term_dims"`
	PolicyDims   int         `json:"policy_dims"`
	LastUpdated  *time.Time  `json:"last_updated"`
	Version      int64       `json:"version"`
}

// handleInspect handles GET /memory/{user_id}. Embeddings are omitted; only
// vector dimensions are reported.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	entries, err := s.inspector.ListByUser(ctx, userID)
	if err != nil {
		s.fail(ctx, w, "list memory failed", err)
		return
	}
	state, err := s.inspector.State(ctx, userID)
	if err != nil {
		s.fail(ctx, w, "load state failed", err)
		return
	}
	if len(entries) == 0 && state == nil {
		writeError(w, http.StatusNotFound, "user not found", false)
		return
	}

	out := inspectResponse{UserID: userID, Entries: make([]entryView, len(entries))}
	for i, e := range entries {
		out.Entries[i] = entryView{ID: e.ID, Kind: e.Kind, Text: e.Text, CreatedAt: e.CreatedAt}
	}
	if state != nil {
		out.HasLongTerm = !state.Empty()
		out.LongTermDims = len(state.LongTerm)
		out.PolicyDims = len(state.Policy)
		out.Version = state.Version
		if !state.LastUpdated.IsZero() {
			lu := state.LastUpdated
			out.LastUpdated = &lu
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

// fail logs err and writes the mapped error response.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	status, retryable := classify(err)
	observe.Logger(ctx).Warn(msg, "err", err, "status", status)
	writeError(w, status, err.Error(), retryable)
}

// classify maps err to an HTTP status and whether the caller may retry.
func classify(err error) (int, bool) {
	switch {
	case provider.Retryable(err):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, provider.ErrProvider):
		return http.StatusBadGateway, false
	case errors.Is(err, vecmath.ErrDimensionMismatch):
		return http.StatusInternalServerError, false
	case errors.Is(err, memory.ErrStorage):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, adaptive.ErrInvalidObservation), errors.Is(err, personalize.ErrInvalidQuery):
		return http.StatusBadRequest, false
	default:
		return http.StatusInternalServerError, false
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), false)
		return false
	}
	return true
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: msg, Retryable: retryable})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
