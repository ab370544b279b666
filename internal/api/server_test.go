package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/attune/internal/adaptive"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/personalize"
	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/memory/memstore"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/vecmath"
)

type observeCall struct{ userID, kind, text string }

type fakeObserver struct {
	calls []observeCall
	err   error
	ctx   context.Context
}

func (f *fakeObserver) Observe(ctx context.Context, userID, kind, text string) (*adaptive.Result, error) {
	f.ctx = ctx
	f.calls = append(f.calls, observeCall{userID, kind, text})
	if f.err != nil {
		return nil, f.err
	}
	return &adaptive.Result{State: &memory.State{UserID: userID, Version: 1}}, nil
}

type fakeResponder struct {
	resp *personalize.Response
	err  error
}

func (f *fakeResponder) Respond(_ context.Context, userID, query string) (*personalize.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newHandler(s *Server) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return RequestID(mux)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestUpdate(t *testing.T) {
	for _, path := range []string{"/memory/update", "/api/memory/update"} {
		t.Run(path, func(t *testing.T) {
			obs := &fakeObserver{}
			h := newHandler(New(obs, &fakeResponder{}, memstore.New()))

			rec := do(t, h, http.MethodPost, path, `{"user_id":"u1","text":"I love hiking"}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := decodeBody[updateResponse](t, rec); !got.OK {
				t.Error("ok = false")
			}
			if len(obs.calls) != 1 || obs.calls[0] != (observeCall{"u1", "", "I love hiking"}) {
				t.Errorf("Observe calls = %+v", obs.calls)
			}
		})
	}
}

func TestUpdate_KindForwarded(t *testing.T) {
	obs := &fakeObserver{}
	h := newHandler(New(obs, &fakeResponder{}, memstore.New()))
	do(t, h, http.MethodPost, "/memory/update", `{"user_id":"u1","text":"x","kind":"preference"}`)
	if obs.calls[0].kind != "preference" {
		t.Errorf("kind = %q, want preference", obs.calls[0].kind)
	}
}

func TestUpdate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"user_id":`},
		{"missing user", `{"text":"x"}`},
		{"missing text", `{"user_id":"u1"}`},
		{"wrong type", `{"user_id":1,"text":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &fakeObserver{}
			h := newHandler(New(obs, &fakeResponder{}, memstore.New()))
			rec := do(t, h, http.MethodPost, "/memory/update", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeBody[errorResponse](t, rec); body.Error == "" || body.Retryable {
				t.Errorf("error body = %+v", body)
			}
			if len(obs.calls) != 0 {
				t.Error("observer called for bad request")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"provider error", provider.Wrap(provider.KindEmbeddings, "openai", errors.New("500")), http.StatusBadGateway, false},
		{"provider timeout", provider.Wrap(provider.KindEmbeddings, "openai", context.DeadlineExceeded), http.StatusGatewayTimeout, true},
		{"dimension mismatch", fmt.Errorf("observe: %w", &vecmath.DimensionError{Op: "fuse", Got: 3, Want: 4}), http.StatusInternalServerError, false},
		{"storage", &memory.StorageError{Op: "observe", Err: errors.New("conn reset")}, http.StatusServiceUnavailable, true},
		{"invalid", adaptive.ErrInvalidObservation, http.StatusBadRequest, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(New(&fakeObserver{err: tt.err}, &fakeResponder{err: tt.err}, memstore.New()))
			for _, path := range []string{"/memory/update", "/respond"} {
				rec := do(t, h, http.MethodPost, path, `{"user_id":"u1","text":"x","query":"q"}`)
				if rec.Code != tt.status {
					t.Errorf("%s: status = %d, want %d", path, rec.Code, tt.status)
				}
				body := decodeBody[errorResponse](t, rec)
				if body.Retryable != tt.retryable {
					t.Errorf("%s: retryable = %v, want %v", path, body.Retryable, tt.retryable)
				}
				if body.Error == "" {
					t.Errorf("%s: empty error message", path)
				}
			}
		})
	}
}

func TestRespond(t *testing.T) {
	resp := &personalize.Response{
		Answer:   "Try a walk.",
		UsedDocs: []string{"likes hiking"},
		Stats:    personalize.Stats{LatencyMS: 42, RerankK: 1},
	}
	for _, path := range []string{"/respond", "/api/respond"} {
		t.Run(path, func(t *testing.T) {
			h := newHandler(New(&fakeObserver{}, &fakeResponder{resp: resp}, memstore.New()))
			rec := do(t, h, http.MethodPost, path, `{"user_id":"u1","query":"ideas?"}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			got := decodeBody[respondResponse](t, rec)
			if got.Answer != "Try a walk." || len(got.UsedDocs) != 1 || got.Stats.LatencyMS != 42 || got.Stats.RerankK != 1 {
				t.Errorf("response = %+v", got)
			}
		})
	}
}

func TestRespond_UsedDocsNeverNull(t *testing.T) {
	h := newHandler(New(&fakeObserver{}, &fakeResponder{resp: &personalize.Response{Answer: "hi"}}, memstore.New()))
	rec := do(t, h, http.MethodPost, "/respond", `{"user_id":"u1","query":"q"}`)
	if !strings.Contains(rec.Body.String(), `"used_docs":[]`) {
		t.Errorf("body = %s, want used_docs []", rec.Body)
	}
}

func TestRespond_MissingQuery(t *testing.T) {
	h := newHandler(New(&fakeObserver{}, &fakeResponder{}, memstore.New()))
	if rec := do(t, h, http.MethodPost, "/respond", `{"user_id":"u1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestInspect(t *testing.T) {
	store := memstore.New(memstore.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }))
	_, _, err := store.Observe(context.Background(),
		memory.Entry{UserID: "u1", Kind: "note", Text: "likes tea", Embedding: []float32{1, 2, 3}},
		func(*memory.State, memory.Entry) (memory.Vectors, error) {
			return memory.Vectors{LongTerm: []float32{1, 2, 3}, Policy: make([]float32, 128)}, nil
		})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	h := newHandler(New(&fakeObserver{}, &fakeResponder{}, store))

	rec := do(t, h, http.MethodGet, "/memory/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "embedding") {
		t.Error("inspection leaks embeddings")
	}
	got := decodeBody[inspectResponse](t, rec)
	if got.UserID != "u1" || len(got.Entries) != 1 || got.Entries[0].Text != "likes tea" {
		t.Errorf("entries = %+v", got)
	}
	if !got.HasLongTerm || got.LongTermDims != 3 || got.PolicyDims != 128 || got.Version != 1 {
		t.Errorf("state view = %+v", got)
	}
	if got.LastUpdated == nil || !got.LastUpdated.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("last_updated = %v", got.LastUpdated)
	}
}

func TestInspect_UnknownUser(t *testing.T) {
	h := newHandler(New(&fakeObserver{}, &fakeResponder{}, memstore.New()))
	if rec := do(t, h, http.MethodGet, "/memory/nobody", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(New(&fakeObserver{}, &fakeResponder{}, memstore.New()))
	if rec := do(t, h, http.MethodGet, "/respond", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	obs := &fakeObserver{}
	h := newHandler(New(obs, &fakeResponder{}, memstore.New()))

	rec := do(t, h, http.MethodPost, "/memory/update", `{"user_id":"u1","text":"x"}`)
	generated := rec.Header().Get(RequestIDHeader)
	if len(generated) != 36 {
		t.Errorf("generated id = %q, want uuid", generated)
	}
	if got := observe.RequestID(obs.ctx); got != generated {
		t.Errorf("context id = %q, want %q", got, generated)
	}

	req := httptest.NewRequest(http.MethodPost, "/memory/update", strings.NewReader(`{"user_id":"u1","text":"x"}`))
	req.Header.Set(RequestIDHeader, "caller-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "caller-123" {
		t.Errorf("echoed id = %q, want caller-123", got)
	}
}

func TestRequestTimeout(t *testing.T) {
	obs := &fakeObserver{}
	h := newHandler(New(obs, &fakeResponder{}, memstore.New(), WithRequestTimeout(time.Minute)))
	do(t, h, http.MethodPost, "/memory/update", `{"user_id":"u1","text":"x"}`)
	if _, ok := obs.ctx.Deadline(); !ok {
		t.Error("request context has no deadline")
	}
}
