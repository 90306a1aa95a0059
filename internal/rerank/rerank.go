package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxCandidateChars bounds cross-encoder input per candidate to keep
// inference latency predictable.
const maxCandidateChars = 512

// ModelFallback is reported when the model is unavailable and the
// reranker degraded to an identity pass-through.
const ModelFallback = "fallback"

// Candidate is one document entering the rerank stage.
type Candidate struct {
	ID      string
	Text    string
	Score   float64
	Payload map[string]any

	// Set by Rerank.
	RerankScore  float64
	OriginalRank int
}

// Result carries the reranked documents and stage metadata.
type Result struct {
	Documents     []Candidate
	RerankTimeMS  float64
	ModelUsed     string
	OriginalCount int
	FilteredCount int
}

// Reranker scores (query, candidate) pairs. It is a pure scoring stage:
// implementations never call the store or the embedder.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int, threshold float64) Result
}

// Config points the cross-encoder client at its model server.
type Config struct {
	Model     string
	URL       string
	TopK      int
	Threshold float64
	Timeout   time.Duration
}

// CrossEncoder calls a rerank endpoint hosting a cross-encoder model.
// The model is a process-wide singleton: lazily initialized on first
// use, warmed with a dummy pair, and degraded to an identity
// pass-through when unavailable.
type CrossEncoder struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu     sync.Mutex
	loaded bool
	failed bool
}

// NewCrossEncoder builds the client. No network traffic happens until
// Preload or the first Rerank.
func NewCrossEncoder(cfg Config, log zerolog.Logger) *CrossEncoder {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CrossEncoder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "rerank").Str("model", cfg.Model).Logger(),
	}
}

// Preload warms the model eagerly at startup so the first query does
// not pay the cold-start cost. Returns false when the model is
// unavailable and the reranker will pass candidates through unchanged.
func (c *CrossEncoder) Preload(ctx context.Context) bool {
	return c.ensureLoaded(ctx)
}

func (c *CrossEncoder) ensureLoaded(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return true
	}
	if c.failed {
		return false
	}
	start := time.Now()
	_, err := c.score(ctx, "test query", []string{"test document"})
	if err != nil {
		c.failed = true
		c.log.Warn().Err(err).Msg("cross-encoder unavailable, degrading to pass-through")
		return false
	}
	c.loaded = true
	c.log.Info().Dur("warmup", time.Since(start)).Msg("cross-encoder warmed up")
	return true
}

// Rerank scores (query, candidate) pairs, sigmoid-normalizes the raw
// scores, and keeps candidates at or above the threshold up to topK.
// On any model failure the original candidate order is returned.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []Candidate, topK int, threshold float64) Result {
	start := time.Now()
	if topK <= 0 {
		topK = c.cfg.TopK
	}
	if threshold == 0 {
		threshold = c.cfg.Threshold
	}
	original := len(candidates)

	if len(candidates) == 0 || !c.ensureLoaded(ctx) {
		return passthrough(candidates, topK, original, time.Since(start))
	}

	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		text := cand.Text
		if len(text) > maxCandidateChars {
			text = text[:maxCandidateChars]
		}
		docs[i] = text
	}

	raw, err := c.score(ctx, query, docs)
	if err != nil {
		c.log.Error().Err(err).Msg("cross-encoder scoring failed")
		return passthrough(candidates, topK, original, time.Since(start))
	}

	scored := make([]Candidate, len(candidates))
	for i, cand := range candidates {
		cand.RerankScore = sigmoid(raw[i])
		cand.OriginalRank = i + 1
		scored[i] = cand
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].RerankScore > scored[j].RerankScore })

	kept := make([]Candidate, 0, topK)
	for _, cand := range scored {
		if cand.RerankScore < threshold {
			continue
		}
		kept = append(kept, cand)
		if len(kept) >= topK {
			break
		}
	}

	return Result{
		Documents:     kept,
		RerankTimeMS:  float64(time.Since(start).Microseconds()) / 1000.0,
		ModelUsed:     c.cfg.Model,
		OriginalCount: original,
		FilteredCount: len(kept),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// score calls the rerank endpoint and returns one raw score per
// document in input order.
func (c *CrossEncoder) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		TopN:      len(docs),
		Documents: docs,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank endpoint returned %s: %s", resp.Status, string(body))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	out := make([]float64, len(docs))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(out) {
			return nil, fmt.Errorf("rerank result index %d out of range", res.Index)
		}
		out[res.Index] = res.RelevanceScore
	}
	return out, nil
}

func passthrough(candidates []Candidate, topK, original int, elapsed time.Duration) Result {
	kept := candidates
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return Result{
		Documents:     kept,
		RerankTimeMS:  float64(elapsed.Microseconds()) / 1000.0,
		ModelUsed:     ModelFallback,
		OriginalCount: original,
		FilteredCount: len(kept),
	}
}

func sigmoid(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }

// Noop always passes candidates through unchanged; used when the rerank
// stage is disabled.
type Noop struct{}

func (Noop) Rerank(_ context.Context, _ string, candidates []Candidate, topK int, _ float64) Result {
	return passthrough(candidates, topK, len(candidates), 0)
}
