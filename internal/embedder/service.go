package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the multi-provider embedding service.
type Config struct {
	Model         string
	Provider      Provider
	Dimension     int
	APIKey        string
	BaseURL       string
	BatchSize     int
	Timeout       time.Duration
	RetryAttempts int
	// Lenient falls back to deterministic hash vectors for any group
	// that exhausts its retries instead of failing the whole call.
	Lenient bool
	// ExtraParams carries provider-specific request fields (e.g.
	// input_type for Cohere-like providers).
	ExtraParams map[string]any
}

// Service calls an OpenAI-compatible embeddings endpoint with batching
// and retry. The provider tag drives auth headers and optional request
// parameters; the wire shape is the common {model, input} form.
type Service struct {
	cfg      Config
	provider Provider
	client   *http.Client
	log      zerolog.Logger

	mu  sync.Mutex
	dim int

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds a Service, resolving the provider (auto-detected
// from the model name when not explicit) and the dimension (declared
// table first, configured value second, learned from the first
// successful response last).
func NewService(cfg Config, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	prov := cfg.Provider
	if prov == "" || prov == ProviderAuto {
		prov = DetectProvider(cfg.Model)
	}
	dim := InferDimension(cfg.Model)
	if dim == 0 {
		dim = cfg.Dimension
	}
	return &Service{
		cfg:      cfg,
		provider: prov,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log.With().Str("component", "embedder").Str("model", cfg.Model).Logger(),
		dim:      dim,
		sleep:    sleepCtx,
	}
}

func (s *Service) Name() string       { return s.cfg.Model }
func (s *Service) Provider() Provider { return s.provider }

func (s *Service) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch slices texts into groups of at most BatchSize and sends
// each group as one provider call with exponential backoff. A group
// that exhausts retries fails the whole call unless Lenient is set, in
// which case that group falls back per-text to the deterministic hash.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		group := texts[start:end]
		vecs, err := s.embedGroup(ctx, group)
		if err != nil {
			if !s.cfg.Lenient {
				return nil, &ProviderError{Provider: s.provider, Model: s.cfg.Model, Err: err}
			}
			s.log.Warn().Err(err).Int("group_size", len(group)).
				Msg("provider call exhausted retries, falling back to hash vectors")
			vecs = make([][]float32, len(group))
			for i, t := range group {
				vecs[i] = HashVector(t, s.Dimension())
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (s *Service) embedGroup(ctx context.Context, group []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * 2 * time.Second
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		vecs, err := s.call(ctx, group)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", s.cfg.RetryAttempts).
			Msg("embedding request failed")
	}
	return nil, lastErr
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`

	// Cohere-like providers accept an input_type discriminator.
	InputType string `json:"input_type,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (s *Service) call(ctx context.Context, group []string) ([][]float32, error) {
	reqBody := embedRequest{Model: s.cfg.Model, Input: group}
	if s.provider == ProviderCohere {
		reqBody.InputType = "search_document"
		if v, ok := s.cfg.ExtraParams["input_type"].(string); ok && v != "" {
			reqBody.InputType = v
		}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	// Extra provider params are merged into the JSON object.
	if len(s.cfg.ExtraParams) > 0 {
		payload, err = mergeParams(payload, s.cfg.ExtraParams)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("embeddings endpoint returned %s: %s", resp.Status, string(b))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Data) != len(group) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(group))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	s.learnDimension(out)
	return out, nil
}

// learnDimension records the dimension from the first successful
// response when neither the table nor the config declared one.
func (s *Service) learnDimension(vecs [][]float32) {
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return
	}
	s.mu.Lock()
	if s.dim == 0 {
		s.dim = len(vecs[0])
	}
	s.mu.Unlock()
}

func (s *Service) endpoint() string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	if strings.HasSuffix(base, "/embeddings") {
		return base
	}
	return base + "/embeddings"
}

func mergeParams(payload []byte, extra map[string]any) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := obj[k]; !exists {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
