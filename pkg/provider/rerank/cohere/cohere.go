// Package cohere provides a rerank provider backed by the Cohere v2 rerank
// endpoint. Any service exposing the same request and response shape (for
// example a self-hosted reranker behind a Cohere-compatible gateway) can be
// targeted with WithBaseURL.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/provider/rerank"
)

const (
	// DefaultBaseURL is the public Cohere API.
	DefaultBaseURL = "https://api.cohere.com"

	// DefaultModel is the default rerank model.
	DefaultModel = "rerank-v3.5"

	providerName = "cohere"
)

var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider using Cohere's /v2/rerank API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Cohere rerank Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("cohere rerank: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		httpClient: hc,
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Rerank implements rerank.Provider. An empty docs slice or a non-positive
// topN returns an empty result without a request.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string, topN int) ([]int, error) {
	if len(docs) == 0 || topN <= 0 {
		return []int{}, nil
	}
	topN = min(topN, len(docs))

	idx, err := p.call(ctx, rerankRequest{
		Model:     p.model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, provider.Wrap(provider.KindRerank, providerName, fmt.Errorf("cohere rerank: %w", err))
	}
	if len(idx) > topN {
		idx = idx[:topN]
	}
	return idx, nil
}

// ModelID implements rerank.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) call(ctx context.Context, body rerankRequest) ([]int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/rerank", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, er.Message)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Results == nil {
		return nil, errors.New("response has no results")
	}
	idx := make([]int, len(out.Results))
	for i, r := range out.Results {
		idx[i] = r.Index
	}
	return idx, nil
}
