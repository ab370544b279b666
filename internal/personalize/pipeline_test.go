package personalize

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/attune/internal/retrieval"
	"github.com/MrWong99/attune/pkg/memory"
	memmock "github.com/MrWong99/attune/pkg/memory/mock"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/provider/llm"
	llmmock "github.com/MrWong99/attune/pkg/provider/llm/mock"
	rerankmock "github.com/MrWong99/attune/pkg/provider/rerank/mock"
)

// entries returns n candidates named doc0..doc(n-1).
func entries(n int) []memory.Entry {
	out := make([]memory.Entry, n)
	for i := range out {
		out[i] = memory.Entry{ID: int64(i + 1), UserID: "u1", Text: "doc" + string(rune('0'+i%10))}
	}
	return out
}

type fixture struct {
	store     *memmock.Store
	reranker  *rerankmock.Provider
	generator *llmmock.Provider
	pipeline  *Pipeline
}

func newFixture(t *testing.T, candidates []memory.Entry, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     &memmock.Store{NearestResult: candidates},
		reranker:  &rerankmock.Provider{ModelIDValue: "rerank-test"},
		generator: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Take a short walk."}},
	}
	p, err := New(retrieval.New(f.store), f.reranker, f.generator, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.pipeline = p
	return f
}

func TestRespond_ContextFromReranker(t *testing.T) {
	f := newFixture(t, entries(3))
	f.reranker.RerankResult = []int{2, 0}

	resp, err := f.pipeline.Respond(context.Background(), "u1", "how should I unwind?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Answer != "Take a short walk." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if want := []string{"doc2", "doc0"}; !slices.Equal(resp.UsedDocs, want) {
		t.Errorf("UsedDocs = %v, want %v", resp.UsedDocs, want)
	}
	if resp.Stats.RerankK != 3 {
		t.Errorf("RerankK = %d, want 3", resp.Stats.RerankK)
	}

	rc := f.reranker.Calls()
	if len(rc) != 1 || rc[0].TopN != 3 || rc[0].Query != "how should I unwind?" {
		t.Fatalf("rerank calls = %+v", rc)
	}
	if !slices.Equal(rc[0].Docs, []string{"doc0", "doc1", "doc2"}) {
		t.Errorf("rerank docs = %v", rc[0].Docs)
	}

	gc := f.generator.Calls()
	if len(gc) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gc))
	}
	req := gc[0].Req
	if req.SystemPrompt != "You are a helpful assistant. Personalization: concise, supportive tone for user u1." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	wantTurn := "Q: how should I unwind?\nUse this context:\n- doc2\n- doc0"
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != wantTurn {
		t.Errorf("Messages = %+v, want single user turn %q", req.Messages, wantTurn)
	}
}

func TestRespond_GenerationSettings(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		wantTemp  float64
		wantMaxTk int
	}{
		{"backend defaults", nil, 0, 0},
		{"configured", []Option{WithGeneration(0.3, 256)}, 0.3, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, entries(1), tt.opts...)
			if _, err := f.pipeline.Respond(context.Background(), "u1", "q"); err != nil {
				t.Fatalf("Respond: %v", err)
			}
			req := f.generator.Calls()[0].Req
			if req.Temperature != tt.wantTemp || req.MaxTokens != tt.wantMaxTk {
				t.Errorf("request temperature %v max tokens %d, want %v and %d",
					req.Temperature, req.MaxTokens, tt.wantTemp, tt.wantMaxTk)
			}
		})
	}
}

func TestRespond_TopNCapsRerank(t *testing.T) {
	f := newFixture(t, entries(20))

	resp, err := f.pipeline.Respond(context.Background(), "u1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Stats.RerankK != DefaultRerankTopN {
		t.Errorf("RerankK = %d, want %d", resp.Stats.RerankK, DefaultRerankTopN)
	}
	if len(resp.UsedDocs) != DefaultRerankTopN {
		t.Errorf("len(UsedDocs) = %d, want %d", len(resp.UsedDocs), DefaultRerankTopN)
	}
	if rc := f.reranker.Calls(); rc[0].TopN != DefaultRerankTopN || len(rc[0].Docs) != 20 {
		t.Errorf("rerank call = topN %d with %d docs", rc[0].TopN, len(rc[0].Docs))
	}
}

func TestRespond_CandidateLimitForwarded(t *testing.T) {
	f := newFixture(t, entries(5), WithCandidateLimit(3), WithRerankTopN(2))

	resp, err := f.pipeline.Respond(context.Background(), "u1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := f.store.Calls()[0].Args[1]; got != 3 {
		t.Errorf("Nearest limit = %v, want 3", got)
	}
	if resp.Stats.RerankK != 2 {
		t.Errorf("RerankK = %d, want 2", resp.Stats.RerankK)
	}
}

func TestRespond_NoHistorySkipsRerank(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.pipeline.Respond(context.Background(), "new-user", "hello")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(f.reranker.Calls()) != 0 {
		t.Error("reranker called with no candidates")
	}
	if resp.UsedDocs == nil || len(resp.UsedDocs) != 0 {
		t.Errorf("UsedDocs = %#v, want empty non-nil", resp.UsedDocs)
	}
	if resp.Stats.RerankK != 0 {
		t.Errorf("RerankK = %d, want 0", resp.Stats.RerankK)
	}
	if got := f.generator.Calls()[0].Req.Messages[0].Content; got != "Q: hello" {
		t.Errorf("user turn = %q, want %q", got, "Q: hello")
	}
}

func TestRespond_RerankUnderSupply(t *testing.T) {
	f := newFixture(t, entries(10))
	f.reranker.RerankResult = []int{4}

	resp, err := f.pipeline.Respond(context.Background(), "u1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !slices.Equal(resp.UsedDocs, []string{"doc4"}) {
		t.Errorf("UsedDocs = %v, want [doc4]", resp.UsedDocs)
	}
	if resp.Stats.RerankK != DefaultRerankTopN {
		t.Errorf("RerankK = %d, want %d", resp.Stats.RerankK, DefaultRerankTopN)
	}
}

func TestRespond_BadRerankIndices(t *testing.T) {
	tests := []struct {
		name string
		idx  []int
	}{
		{"out of range", []int{0, 3}},
		{"negative", []int{-1}},
		{"duplicate", []int{1, 1}},
		{"too many", []int{0, 1, 2, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, entries(3))
			f.reranker.RerankResult = tt.idx

			_, err := f.pipeline.Respond(context.Background(), "u1", "q")
			if !errors.Is(err, provider.ErrProvider) {
				t.Fatalf("err = %v, want provider.ErrProvider", err)
			}
			var pe *provider.Error
			if !errors.As(err, &pe) || pe.Kind != provider.KindRerank {
				t.Errorf("err = %#v, want rerank provider error", err)
			}
			if len(f.generator.Calls()) != 0 {
				t.Error("generator called after rerank failure")
			}
		})
	}
}

func TestRespond_ProviderFailures(t *testing.T) {
	t.Run("rerank timeout", func(t *testing.T) {
		f := newFixture(t, entries(2))
		f.reranker.RerankErr = context.DeadlineExceeded

		_, err := f.pipeline.Respond(context.Background(), "u1", "q")
		if !errors.Is(err, provider.ErrTimeout) {
			t.Fatalf("err = %v, want provider.ErrTimeout", err)
		}
	})

	t.Run("generation error", func(t *testing.T) {
		f := newFixture(t, entries(2))
		f.generator.CompleteErr = errors.New("model overloaded")

		_, err := f.pipeline.Respond(context.Background(), "u1", "q")
		var pe *provider.Error
		if !errors.As(err, &pe) || pe.Kind != provider.KindLLM || pe.Timeout {
			t.Fatalf("err = %v, want non-timeout llm provider error", err)
		}
	})

	t.Run("storage error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.NearestErr = &memory.StorageError{Op: "nearest", Err: errors.New("conn refused")}

		_, err := f.pipeline.Respond(context.Background(), "u1", "q")
		if !errors.Is(err, memory.ErrStorage) {
			t.Fatalf("err = %v, want memory.ErrStorage", err)
		}
		if len(f.generator.Calls()) != 0 {
			t.Error("generator called after storage failure")
		}
	})
}

func TestRespond_ReadOnly(t *testing.T) {
	f := newFixture(t, entries(3))
	if _, err := f.pipeline.Respond(context.Background(), "u1", "q"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	for _, c := range f.store.Calls() {
		if c.Method != "Nearest" {
			t.Errorf("unexpected store call %s", c.Method)
		}
	}
}

func TestRespond_Latency(t *testing.T) {
	f := newFixture(t, nil)
	base := time.Unix(1_700_000_000, 0)
	calls := 0
	f.pipeline.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(1500 * time.Millisecond)
	}
	resp, err := f.pipeline.Respond(context.Background(), "u1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Stats.LatencyMS != 1500 {
		t.Errorf("LatencyMS = %d, want 1500", resp.Stats.LatencyMS)
	}
}

func TestRespond_InvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	for _, in := range [][2]string{{"", "q"}, {"u1", ""}} {
		if _, err := f.pipeline.Respond(context.Background(), in[0], in[1]); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("Respond(%q, %q) err = %v, want ErrInvalidQuery", in[0], in[1], err)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	r := retrieval.New(&memmock.Store{})
	rr := &rerankmock.Provider{}
	g := &llmmock.Provider{}
	tests := []struct {
		name string
		fn   func() (*Pipeline, error)
	}{
		{"nil retriever", func() (*Pipeline, error) { return New(nil, rr, g) }},
		{"nil reranker", func() (*Pipeline, error) { return New(r, nil, g) }},
		{"nil generator", func() (*Pipeline, error) { return New(r, rr, nil) }},
		{"zero candidates", func() (*Pipeline, error) { return New(r, rr, g, WithCandidateLimit(0)) }},
		{"zero top-n", func() (*Pipeline, error) { return New(r, rr, g, WithRerankTopN(0)) }},
		{"negative temperature", func() (*Pipeline, error) { return New(r, rr, g, WithGeneration(-0.1, 0)) }},
		{"negative max tokens", func() (*Pipeline, error) { return New(r, rr, g, WithGeneration(0, -1)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestUserTurn(t *testing.T) {
	if got := UserTurn("q", nil); got != "Q: q" {
		t.Errorf("UserTurn(no docs) = %q", got)
	}
	if got := UserTurn("q", []string{"a"}); got != "Q: q\nUse this context:\n- a" {
		t.Errorf("UserTurn(one doc) = %q", got)
	}
}
