package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsrag/internal/cache"
	"opsrag/internal/embedder"
	"opsrag/internal/feedback"
	"opsrag/internal/rerank"
	"opsrag/internal/vectorstore"
)

const dim = 256

func seedStore(t *testing.T, docs map[string]string) *vectorstore.Memory {
	t.Helper()
	store := vectorstore.NewMemory()
	emb := embedder.NewDeterministic(dim)
	var recs []vectorstore.Record
	for docID, text := range docs {
		vec, err := emb.Embed(context.Background(), text)
		require.NoError(t, err)
		recs = append(recs, vectorstore.Record{
			ID: vectorstore.ChunkID(docID, 0), DocID: docID, Ordinal: 0,
			Text: text, Vector: vec, SHA256: docID,
			Payload: map[string]any{"doc_id": docID},
		})
	}
	require.NoError(t, store.UpsertBatch(context.Background(), recs, "v1"))
	return store
}

func baseConfig() Config {
	return Config{
		CollectionRead: "v1",
		MaxTopK:        50,
		EfSearchBase:   64,
		EfSearchMax:    128,
	}
}

func TestEfSearchFormula(t *testing.T) {
	r := New(embedder.NewDeterministic(dim), vectorstore.NewMemory(), baseConfig(), zerolog.Nop())
	// base + floor(log2(10)*8) for any top_k below 10
	assert.Equal(t, 64+26, r.EfSearch(3))
	assert.Equal(t, 64+26, r.EfSearch(10))
	// base + floor(log2(50)*8) = 64 + 45, under the cap
	assert.Equal(t, 109, r.EfSearch(50))
	// a large depth would exceed the cap
	assert.Equal(t, 128, r.EfSearch(5000))
}

func TestRetrieveClampsTopK(t *testing.T) {
	store := seedStore(t, map[string]string{"D1": "one", "D2": "two", "D3": "three"})
	cfg := baseConfig()
	cfg.MaxTopK = 2
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop())

	res, err := r.Retrieve(context.Background(), "one", Options{TopK: 100})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res), 2)
}

func TestRetrieveReturnsBaseScores(t *testing.T) {
	store := seedStore(t, map[string]string{
		"D1": "job dependency cycle resolution",
		"D2": "unrelated cooking recipe",
	})
	r := New(embedder.NewDeterministic(dim), store, baseConfig(), zerolog.Nop())

	res, err := r.Retrieve(context.Background(), "job dependency cycle resolution", Options{TopK: 2})
	require.NoError(t, err)
	require.Len(t, res, 2)
	// Identical text embeds identically under the deterministic hash.
	assert.Equal(t, "D1", res[0].DocID)
	assert.InDelta(t, 1.0, res[0].BaseScore, 1e-6)
	assert.Equal(t, res[0].BaseScore, res[0].FinalScore)
	assert.False(t, res[0].HasFeedback)
}

func TestFeedbackBoostShapesRanking(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha text", "B": "beta text", "C": "gamma text"})
	fb := feedback.NewMemory(0)
	cfg := baseConfig()
	cfg.Adaptive = false
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop(), WithFeedbackStore(fb))

	query := "which document helps"

	// Scenario: user selected B out of [A, B, C].
	n, err := r.RecordImplicitFeedback(context.Background(), query, "B", []string{"A", "B", "C"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := r.Retrieve(context.Background(), query, Options{TopK: 3, ApplyFeedback: true})
	require.NoError(t, err)
	require.Len(t, res, 3)

	byDoc := map[string]Result{}
	for _, h := range res {
		byDoc[h.DocID] = h
	}
	assert.Greater(t, byDoc["B"].FeedbackScore, 0.0)
	assert.Less(t, byDoc["A"].FeedbackScore, 0.0)
	assert.Less(t, byDoc["C"].FeedbackScore, 0.0)
	assert.True(t, byDoc["B"].HasFeedback)

	// B already has the highest base score; the boost widens its lead.
	assert.Equal(t, "B", res[0].DocID)
	assert.Greater(t, byDoc["B"].FinalScore, byDoc["A"].FinalScore)
	assert.Greater(t, byDoc["B"].FinalScore, byDoc["C"].FinalScore)
}

func TestImplicitFeedbackShortList(t *testing.T) {
	fb := feedback.NewMemory(0)
	r := New(embedder.NewDeterministic(dim), vectorstore.NewMemory(), baseConfig(), zerolog.Nop(), WithFeedbackStore(fb))

	n, err := r.RecordImplicitFeedback(context.Background(), "q", "A", []string{"A", "B"}, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, _ := fb.Statistics(context.Background())
	assert.Equal(t, 1, stats.PositiveCount)
	assert.Equal(t, 1, stats.NegativeCount)
}

func TestBoostClamped(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha text"})
	fb := feedback.NewMemory(0)
	cfg := baseConfig()
	cfg.Adaptive = false
	cfg.FeedbackWeight = 10 // extreme weight to force clamping
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop(), WithFeedbackStore(fb))

	_, err := r.RecordFeedback(context.Background(), "q", "A", feedback.RatingPositive, "")
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "q", Options{TopK: 1, ApplyFeedback: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 0.5, res[0].FeedbackBoost, 1e-9)
	// final in [base*(1+min), base*(1+max)]
	assert.InDelta(t, res[0].BaseScore*1.5, res[0].FinalScore, 1e-9)

	// Negative direction clamps at MinBoost.
	for i := 0; i < 5; i++ {
		_, _ = r.RecordFeedback(context.Background(), "q2", "A", feedback.RatingNegative, "")
	}
	res, err = r.Retrieve(context.Background(), "q2", Options{TopK: 1, ApplyFeedback: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, -0.5, res[0].FeedbackBoost, 1e-9)
	assert.InDelta(t, res[0].BaseScore*0.5, res[0].FinalScore, 1e-9)
}

func TestAdaptiveWeightScalesWithDensity(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha text"})
	fb := feedback.NewMemory(0)
	cfg := baseConfig()
	cfg.Adaptive = true
	cfg.MinForFullWeight = 10
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop(), WithFeedbackStore(fb))

	// One record out of ten: weight scales to 0.3 * 0.1 = 0.03.
	_, err := r.RecordFeedback(context.Background(), "q", "A", feedback.RatingPositive, "")
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), "q", Options{TopK: 1, ApplyFeedback: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 0.03, res[0].FeedbackBoost, 1e-6)
}

type failingFeedback struct{ feedback.Store }

func (failingFeedback) DocumentScores(context.Context, []string) (map[string]float64, error) {
	return nil, errors.New("feedback db down")
}

func TestFeedbackFailureIsRecovered(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha text"})
	cfg := baseConfig()
	cfg.Adaptive = false
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop(),
		WithFeedbackStore(failingFeedback{feedback.NewMemory(0)}))

	res, err := r.Retrieve(context.Background(), "q", Options{TopK: 1, ApplyFeedback: true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, res[0].FeedbackBoost)
	assert.Equal(t, res[0].BaseScore, res[0].FinalScore)
}

type fixedReranker struct{ scores map[string]float64 }

func (f fixedReranker) Rerank(_ context.Context, _ string, cands []rerank.Candidate, topK int, threshold float64) rerank.Result {
	out := make([]rerank.Candidate, 0, len(cands))
	for i, c := range cands {
		c.RerankScore = f.scores[c.ID]
		c.OriginalRank = i + 1
		if c.RerankScore >= threshold {
			out = append(out, c)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].RerankScore > out[i].RerankScore {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return rerank.Result{Documents: out, ModelUsed: "fixed", OriginalCount: len(cands), FilteredCount: len(out)}
}

func TestRerankOrderingWithZeroFeedback(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha text", "B": "beta text", "C": "gamma text"})
	cfg := baseConfig()
	cfg.RerankEnabled = true
	rr := fixedReranker{scores: map[string]float64{
		vectorstore.ChunkID("A", 0): 0.4,
		vectorstore.ChunkID("B", 0): 0.9,
		vectorstore.ChunkID("C", 0): 0.6,
	}}
	r := New(embedder.NewDeterministic(dim), store, cfg, zerolog.Nop(), WithReranker(rr))

	res, err := r.Retrieve(context.Background(), "anything", Options{TopK: 3})
	require.NoError(t, err)
	require.Len(t, res, 3)
	// With no feedback, order equals sort desc by rerank score. The
	// cosine blend shifts absolute values but not this ordering here
	// because rerank scores dominate the 0.7 weighting.
	assert.Equal(t, "B", res[0].DocID)
	assert.Equal(t, "C", res[1].DocID)
	assert.Equal(t, "A", res[2].DocID)
	assert.Greater(t, res[0].RerankScore, res[1].RerankScore)
}

func TestTieBreakPreservesStoreOrder(t *testing.T) {
	// Two docs with identical vectors: identical base scores.
	store := vectorstore.NewMemory()
	vec := []float32{1, 0}
	require.NoError(t, store.UpsertBatch(context.Background(), []vectorstore.Record{
		{ID: vectorstore.ChunkID("AAA", 0), DocID: "AAA", Ordinal: 0, Text: "t", Vector: vec, SHA256: "s1"},
		{ID: vectorstore.ChunkID("BBB", 0), DocID: "BBB", Ordinal: 0, Text: "t", Vector: vec, SHA256: "s2"},
	}, "v1"))

	r := New(embedder.NewDeterministic(2), store, baseConfig(), zerolog.Nop())
	res1, err := r.Retrieve(context.Background(), "q", Options{TopK: 2})
	require.NoError(t, err)
	res2, err := r.Retrieve(context.Background(), "q", Options{TopK: 2})
	require.NoError(t, err)
	require.Len(t, res1, 2)
	assert.Equal(t, res1[0].DocID, res2[0].DocID)
	assert.Equal(t, res1[1].DocID, res2[1].DocID)
}

func TestQueryCacheHit(t *testing.T) {
	store := seedStore(t, map[string]string{"A": "alpha"})
	qc := cache.NewMemory(16)
	counting := &countingEmbedder{Deterministic: embedder.NewDeterministic(dim)}
	r := New(counting, store, baseConfig(), zerolog.Nop(), WithQueryCache(qc))

	_, err := r.Retrieve(context.Background(), "same query", Options{TopK: 1})
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "same query", Options{TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, counting.calls)
}

type countingEmbedder struct {
	*embedder.Deterministic
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.Deterministic.Embed(ctx, text)
}
