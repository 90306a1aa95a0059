package router

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"opsrag/internal/embedder"
	"opsrag/internal/llm"
)

// Classification is the outcome of intent routing.
type Classification struct {
	Intent          Intent
	Confidence      float64
	AllScores       map[string]float64
	UsedLLMFallback bool
	TimeMS          float64
}

// Config tunes the router.
type Config struct {
	// ConfidenceThreshold is the minimum max-similarity to accept the
	// embedding classification without the LLM fallback.
	ConfidenceThreshold float64
	UseLLMFallback      bool
	// CacheDir, when set, memoizes exemplar embeddings on disk so
	// restarts skip the embedding pass.
	CacheDir string
}

// Router classifies queries by embedding similarity against labeled
// exemplars. Classification is one-shot: no state beyond the cached
// exemplar embeddings, which are immutable after Init.
type Router struct {
	emb embedder.Embedder
	gen llm.Generator
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	initialized bool
	exemplars   map[Intent][][]float32
}

// New builds a Router. gen may be nil, which disables the LLM fallback.
func New(emb embedder.Embedder, gen llm.Generator, cfg Config, log zerolog.Logger) *Router {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	return &Router{
		emb: emb,
		gen: gen,
		cfg: cfg,
		log: log.With().Str("component", "router").Logger(),
	}
}

// Init embeds every exemplar (or loads them from the on-disk cache).
// Safe to call more than once; later calls are no-ops.
func (r *Router) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	start := time.Now()

	if cached, ok := r.loadCache(); ok {
		r.exemplars = cached
		r.initialized = true
		r.log.Info().Int("intents", len(cached)).Msg("intent embeddings loaded from cache")
		return nil
	}

	exemplars := make(map[Intent][][]float32, len(Exemplars))
	var emu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for intent, examples := range Exemplars {
		intent, examples := intent, examples
		g.Go(func() error {
			vecs, err := r.emb.EmbedBatch(gctx, examples)
			if err != nil {
				return err
			}
			emu.Lock()
			exemplars[intent] = vecs
			emu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.exemplars = exemplars
	r.initialized = true
	r.saveCache(exemplars)
	r.log.Info().Int("intents", len(exemplars)).
		Dur("elapsed", time.Since(start)).Msg("intent embeddings computed")
	return nil
}

// Classify routes a query to an intent. Errors are recovered: any
// failure yields GENERAL with confidence 0.5 rather than surfacing to
// the caller.
func (r *Router) Classify(ctx context.Context, query string) Classification {
	start := time.Now()

	if err := r.Init(ctx); err != nil {
		r.log.Warn().Err(err).Msg("router init failed, returning general intent")
		return generalResult(start, nil)
	}

	qvec, err := r.emb.Embed(ctx, query)
	if err != nil {
		r.log.Warn().Err(err).Msg("query embedding failed, returning general intent")
		return generalResult(start, nil)
	}

	scores := make(map[string]float64, len(r.exemplars))
	var best Intent
	bestScore := math.Inf(-1)
	for intent, vecs := range r.exemplars {
		// Max over exemplars, not mean: max preserves best-match
		// semantics for short queries.
		s := math.Inf(-1)
		for _, v := range vecs {
			if c := cosine32(qvec, v); c > s {
				s = c
			}
		}
		if math.IsInf(s, -1) {
			s = 0
		}
		scores[string(intent)] = s
		if s > bestScore {
			bestScore = s
			best = intent
		}
	}

	elapsed := msSince(start)
	if bestScore >= r.cfg.ConfidenceThreshold {
		return Classification{
			Intent:     best,
			Confidence: bestScore,
			AllScores:  scores,
			TimeMS:     elapsed,
		}
	}

	if r.cfg.UseLLMFallback && r.gen != nil {
		return r.llmClassify(ctx, query, scores, elapsed)
	}
	return Classification{
		Intent:     IntentGeneral,
		Confidence: 0.5,
		AllScores:  scores,
		TimeMS:     elapsed,
	}
}

// llmClassify asks the generator to pick one label from the top
// embedding candidates. A parse failure degrades to GENERAL.
func (r *Router) llmClassify(ctx context.Context, query string, scores map[string]float64, embedMS float64) Classification {
	start := time.Now()

	type cand struct {
		label string
		score float64
	}
	cands := make([]cand, 0, len(scores))
	for label, s := range scores {
		cands = append(cands, cand{label, s})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > 5 {
		cands = cands[:5]
	}
	labels := make([]string, len(cands))
	for i, c := range cands {
		labels[i] = c.label
	}

	prompt := "Classify this query into ONE of these intents:\n" +
		strings.Join(labels, ", ") + ", general\n\nQuery: " + query +
		"\n\nRespond with ONLY the intent name, nothing else."

	resp, err := r.gen.Generate(ctx, prompt, 20)
	if err == nil {
		resp = strings.ToLower(strings.TrimSpace(resp))
		for intent := range Exemplars {
			if strings.Contains(resp, string(intent)) {
				return Classification{
					Intent:          intent,
					Confidence:      0.8,
					AllScores:       scores,
					UsedLLMFallback: true,
					TimeMS:          embedMS + msSince(start),
				}
			}
		}
	} else {
		r.log.Warn().Err(err).Msg("llm fallback failed")
	}

	return Classification{
		Intent:          IntentGeneral,
		Confidence:      0.5,
		AllScores:       scores,
		UsedLLMFallback: true,
		TimeMS:          embedMS + msSince(start),
	}
}

func generalResult(start time.Time, scores map[string]float64) Classification {
	return Classification{
		Intent:     IntentGeneral,
		Confidence: 0.5,
		AllScores:  scores,
		TimeMS:     msSince(start),
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func cosine32(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, x := range b {
		nb += float64(x) * float64(x)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
