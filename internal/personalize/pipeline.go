// Package personalize answers queries using a user's adaptive memory.
//
// [Pipeline.Respond] runs three stages in order:
//
//  1. Retrieve candidate observations ranked against the long-term vector.
//  2. Rerank them against the query and keep at most the configured top-n.
//  3. Generate an answer from a fixed system instruction and the query with
//     the surviving context appended.
//
// The pipeline is read-only: it never appends to the log or changes state.
package personalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/rerank"
)

const (
	// DefaultCandidateLimit is the number of candidates requested from the
	// retriever.
	DefaultCandidateLimit = 200

	// DefaultRerankTopN caps how many reranked documents reach the prompt.
	DefaultRerankTopN = 8
)

// ErrInvalidQuery is returned when the user id or query is empty.
var ErrInvalidQuery = errors.New("personalize: user id and query are required")

// Retriever supplies ranked candidates for a user.
type Retriever interface {
	Retrieve(ctx context.Context, userID string, limit int) ([]memory.Entry, error)
}

// Stats describes how a response was produced.
type Stats struct {
	// LatencyMS is the wall-clock duration of Respond in milliseconds.
	LatencyMS int64

	// RerankK is the number of documents the reranker was asked to return.
	RerankK int
}

// Response is the result of [Pipeline.Respond].
type Response struct {
	Answer string

	// UsedDocs holds the context documents sent to the model, in rerank
	// order. It is never nil.
	UsedDocs []string

	Stats Stats
}

// Pipeline wires retrieval, reranking and generation. It is safe for
// concurrent use.
type Pipeline struct {
	retriever Retriever
	reranker  rerank.Provider
	generator llm.Provider

	candidateLimit int
	topN           int
	temperature    float64
	maxTokens      int
	metrics        *observe.Metrics
	now            func() time.Time
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithCandidateLimit overrides [DefaultCandidateLimit].
func WithCandidateLimit(n int) Option {
	return func(p *Pipeline) { p.candidateLimit = n }
}

// WithRerankTopN overrides [DefaultRerankTopN].
func WithRerankTopN(n int) Option {
	return func(p *Pipeline) { p.topN = n }
}

// WithGeneration sets the sampling temperature and completion token cap sent
// with every generation request. Zero leaves the backend default.
func WithGeneration(temperature float64, maxTokens int) Option {
	return func(p *Pipeline) {
		p.temperature = temperature
		p.maxTokens = maxTokens
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a Pipeline.
func New(retriever Retriever, reranker rerank.Provider, generator llm.Provider, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		retriever:      retriever,
		reranker:       reranker,
		generator:      generator,
		candidateLimit: DefaultCandidateLimit,
		topN:           DefaultRerankTopN,
		now:            time.Now,
	}
	for _, o := range opts {
		o(p)
	}

	var errs []error
	if retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if reranker == nil {
		errs = append(errs, errors.New("reranker is required"))
	}
	if generator == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if p.candidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("candidate limit must be positive, got %d", p.candidateLimit))
	}
	if p.topN <= 0 {
		errs = append(errs, fmt.Errorf("rerank top-n must be positive, got %d", p.topN))
	}
	if p.temperature < 0 || p.maxTokens < 0 {
		errs = append(errs, fmt.Errorf("generation settings must not be negative, got temperature %v and max tokens %d", p.temperature, p.maxTokens))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("personalize: %w", err)
	}
	return p, nil
}

// Respond produces a personalised answer to query for userID.
func (p *Pipeline) Respond(ctx context.Context, userID, query string) (resp *Response, err error) {
	if userID == "" || query == "" {
		return nil, ErrInvalidQuery
	}
	start := p.now()

	ctx, span := observe.StartSpan(ctx, "personalize.Respond",
		trace.WithAttributes(attribute.String("attune.user_id", userID)))
	defer func() {
		observe.RecordError(span, err)
		span.End()
		if p.metrics != nil {
			p.metrics.RespondDuration.Record(ctx, p.now().Sub(start).Seconds())
			p.metrics.RecordResponse(ctx, observe.Status(err))
		}
	}()

	candidates, err := p.retriever.Retrieve(ctx, userID, p.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("personalize: retrieve: %w", err)
	}
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}

	k := min(p.topN, len(docs))
	used := []string{}
	if k > 0 {
		if used, err = p.rerank(ctx, query, docs, k); err != nil {
			return nil, err
		}
	}

	out, err := p.generator.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt(userID),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: UserTurn(query, used)}},
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("personalize: generate: %w",
			provider.Wrap(provider.KindLLM, p.generator.ModelID(), err))
	}

	latency := p.now().Sub(start)
	span.SetAttributes(
		attribute.Int("attune.candidates", len(candidates)),
		attribute.Int("attune.rerank_k", k),
		attribute.Int("attune.used_docs", len(used)),
	)
	observe.Logger(ctx).Debug("response generated",
		"user_id", userID,
		"candidates", len(candidates),
		"used_docs", len(used),
		"latency", latency)

	return &Response{
		Answer:   out.Content,
		UsedDocs: used,
		Stats:    Stats{LatencyMS: latency.Milliseconds(), RerankK: k},
	}, nil
}

// rerank asks the reranker for the k best docs and resolves the returned
// indices. Indices outside docs or repeated are a provider failure.
func (p *Pipeline) rerank(ctx context.Context, query string, docs []string, k int) ([]string, error) {
	fail := func(err error) error {
		return fmt.Errorf("personalize: rerank: %w", provider.Wrap(provider.KindRerank, p.reranker.ModelID(), err))
	}

	idx, err := p.reranker.Rerank(ctx, query, docs, k)
	if err != nil {
		return nil, fail(err)
	}
	if len(idx) > k {
		return nil, fail(fmt.Errorf("returned %d results, requested at most %d", len(idx), k))
	}

	seen := make(map[int]bool, len(idx))
	used := make([]string, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(docs) {
			return nil, fail(fmt.Errorf("result index %d out of range [0,%d)", i, len(docs)))
		}
		if seen[i] {
			return nil, fail(fmt.Errorf("duplicate result index %d", i))
		}
		seen[i] = true
		used = append(used, docs[i])
	}
	return used, nil
}

// SystemPrompt returns the system instruction sent for userID.
func SystemPrompt(userID string) string {
	return "You are a helpful assistant. Personalization: concise, supportive tone for user " + userID + "."
}

// UserTurn builds the user message. The context block is omitted when docs
// is empty.
func UserTurn(query string, docs []string) string {
	var b strings.Builder
	b.WriteString("Q: ")
	b.WriteString(query)
	if len(docs) > 0 {
		b.WriteString("\nUse this context:\n- ")
		b.WriteString(strings.Join(docs, "\n- "))
	}
	return b.String()
}
