package retrieve

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"opsrag/internal/cache"
	"opsrag/internal/embedder"
	"opsrag/internal/feedback"
	"opsrag/internal/obs"
	"opsrag/internal/rerank"
	"opsrag/internal/vectorstore"
)

// Result is one retrieval hit with its full score decomposition.
type Result struct {
	ID       string
	DocID    string
	Ordinal  int
	Content  string
	Metadata map[string]any

	BaseScore     float64
	FeedbackScore float64
	FeedbackBoost float64
	FinalScore    float64
	HasFeedback   bool

	RerankScore  float64
	OriginalRank int
}

// Options configures one retrieval call.
type Options struct {
	TopK          int
	Filters       map[string]any
	ApplyFeedback bool
	UserID        string
}

// Config tunes the retrieval pipeline.
type Config struct {
	CollectionRead string
	MaxTopK        int
	EfSearchBase   int
	EfSearchMax    int

	RerankEnabled   bool
	RerankThreshold float64

	FeedbackWeight   float64
	MinBoost         float64
	MaxBoost         float64
	Adaptive         bool
	MinForFullWeight int
}

// Retriever runs the two-stage query pipeline: embed, approximate
// vector search, optional cross-encoder rerank, optional feedback
// reweighting. Stateless per call and safe for concurrent use.
type Retriever struct {
	emb      embedder.Embedder
	store    vectorstore.Store
	fb       feedback.Store
	reranker rerank.Reranker
	qcache   cache.EmbeddingCache
	cfg      Config
	metrics  obs.Metrics
	log      zerolog.Logger
}

// Option customizes a Retriever.
type Option func(*Retriever)

// WithFeedbackStore enables feedback-aware reweighting.
func WithFeedbackStore(fb feedback.Store) Option { return func(r *Retriever) { r.fb = fb } }

// WithReranker sets the cross-encoder stage.
func WithReranker(rr rerank.Reranker) Option { return func(r *Retriever) { r.reranker = rr } }

// WithQueryCache memoizes query embeddings.
func WithQueryCache(c cache.EmbeddingCache) Option { return func(r *Retriever) { r.qcache = c } }

// WithMetrics sets the metrics sink.
func WithMetrics(m obs.Metrics) Option { return func(r *Retriever) { r.metrics = m } }

// New constructs a Retriever.
func New(emb embedder.Embedder, store vectorstore.Store, cfg Config, log zerolog.Logger, opts ...Option) *Retriever {
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.FeedbackWeight == 0 {
		cfg.FeedbackWeight = 0.3
	}
	if cfg.MinBoost == 0 && cfg.MaxBoost == 0 {
		cfg.MinBoost, cfg.MaxBoost = -0.5, 0.5
	}
	if cfg.MinForFullWeight <= 0 {
		cfg.MinForFullWeight = 10
	}
	r := &Retriever{
		emb:      emb,
		store:    store,
		reranker: rerank.Noop{},
		cfg:      cfg,
		metrics:  obs.NoopMetrics{},
		log:      log.With().Str("component", "retrieve").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// EfSearch derives the HNSW query-time effort from the requested depth,
// bounded to the configured window.
func (r *Retriever) EfSearch(topK int) int {
	k := topK
	if k < 10 {
		k = 10
	}
	ef := r.cfg.EfSearchBase + int(math.Log2(float64(k))*8)
	if ef > r.cfg.EfSearchMax {
		ef = r.cfg.EfSearchMax
	}
	return ef
}

// Retrieve runs the pipeline and returns the first TopK hits ordered by
// final score. Ties preserve the store's order, which reflects ANN
// recall.
func (r *Retriever) Retrieve(ctx context.Context, query string, opt Options) ([]Result, error) {
	topK := opt.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > r.cfg.MaxTopK {
		topK = r.cfg.MaxTopK
	}

	qvec, err := r.queryEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	applyFeedback := opt.ApplyFeedback && r.fb != nil
	retrieveK := topK
	if applyFeedback || r.cfg.RerankEnabled {
		retrieveK = topK * 3
		if retrieveK > r.cfg.MaxTopK {
			retrieveK = r.cfg.MaxTopK
		}
	}

	t0 := time.Now()
	hits, err := r.store.Query(ctx, vectorstore.QueryRequest{
		Vector:      qvec,
		TopK:        retrieveK,
		Collection:  r.cfg.CollectionRead,
		Filters:     opt.Filters,
		EfSearch:    r.EfSearch(topK),
		WithVectors: r.cfg.RerankEnabled,
	})
	r.metrics.ObserveHistogram(obs.MetricQuerySeconds, time.Since(t0).Seconds(), nil)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			ID:           h.ID,
			DocID:        h.DocID,
			Ordinal:      h.Ordinal,
			Content:      h.Text,
			Metadata:     h.Payload,
			BaseScore:    h.Score,
			FinalScore:   h.Score,
			OriginalRank: i + 1,
		}
	}

	if r.cfg.RerankEnabled {
		results = r.applyRerank(ctx, query, results, retrieveK)
	}
	if applyFeedback {
		results = r.applyFeedback(ctx, query, qvec, results)
	}
	if r.cfg.RerankEnabled {
		r.cosineResort(qvec, hits, results)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].FinalScore > results[j].FinalScore })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := feedback.Fingerprint(query)
	if r.qcache != nil {
		if vec, ok := r.qcache.Get(ctx, key); ok {
			return vec, nil
		}
	}
	vec, err := r.emb.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.qcache != nil {
		r.qcache.Put(ctx, key, vec)
	}
	return vec, nil
}

func (r *Retriever) applyRerank(ctx context.Context, query string, results []Result, topK int) []Result {
	t0 := time.Now()
	cands := make([]rerank.Candidate, len(results))
	for i, res := range results {
		cands[i] = rerank.Candidate{ID: res.ID, Text: res.Content, Score: res.BaseScore}
	}
	rr := r.reranker.Rerank(ctx, query, cands, topK, r.cfg.RerankThreshold)
	r.metrics.ObserveHistogram(obs.MetricRerankSeconds, time.Since(t0).Seconds(), nil)
	if rr.ModelUsed == rerank.ModelFallback {
		return results
	}

	byID := make(map[string]Result, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}
	out := make([]Result, 0, len(rr.Documents))
	for _, doc := range rr.Documents {
		res, ok := byID[doc.ID]
		if !ok {
			continue
		}
		res.RerankScore = doc.RerankScore
		res.OriginalRank = doc.OriginalRank
		res.FinalScore = doc.RerankScore
		out = append(out, res)
	}
	return out
}

// applyFeedback folds user signals into the ranking:
//
//	final = base * (1 + clamp(weight * feedback_score, min, max))
//
// Feedback store failures are logged and ignored; retrieval proceeds
// without the boost.
func (r *Retriever) applyFeedback(ctx context.Context, query string, qvec []float32, results []Result) []Result {
	weight := r.cfg.FeedbackWeight
	if r.cfg.Adaptive {
		if stats, err := r.fb.Statistics(ctx); err == nil {
			density := float64(stats.TotalRecords) / float64(r.cfg.MinForFullWeight)
			if density < 1 {
				weight *= density
			}
		}
	}

	docIDs := make([]string, len(results))
	for i, res := range results {
		docIDs[i] = res.DocID
	}

	var docScores map[string]float64
	queryScores := make([]float64, len(results))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		docScores, err = r.fb.DocumentScores(gctx, docIDs)
		return err
	})
	g.Go(func() error {
		for i := range results {
			score, err := r.fb.QueryFeedbackScore(gctx, query, results[i].DocID, qvec)
			if err != nil {
				return err
			}
			queryScores[i] = score
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("feedback lookup failed, ranking without boost")
		return results
	}

	for i := range results {
		score := queryScores[i]
		if score == 0 {
			score = docScores[results[i].DocID]
		}
		boost := clamp(weight*score, r.cfg.MinBoost, r.cfg.MaxBoost)
		base := results[i].FinalScore
		results[i].FeedbackScore = score
		results[i].FeedbackBoost = boost
		results[i].FinalScore = base * (1 + boost)
		results[i].HasFeedback = score != 0
	}
	return results
}

// cosineResort blends exact cosine similarity against returned vectors
// into the final score, compensating for ANN approximation.
func (r *Retriever) cosineResort(qvec []float32, hits []vectorstore.Hit, results []Result) {
	vecs := make(map[string][]float32, len(hits))
	for _, h := range hits {
		if len(h.Vector) > 0 {
			vecs[h.ID] = h.Vector
		}
	}
	if len(vecs) == 0 {
		return
	}
	for i := range results {
		v, ok := vecs[results[i].ID]
		if !ok {
			continue
		}
		sim := cosine32(qvec, v)
		results[i].FinalScore = results[i].FinalScore*0.7 + sim*0.3
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
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
