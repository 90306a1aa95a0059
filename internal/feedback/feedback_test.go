package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintNormalizes(t *testing.T) {
	assert.Equal(t, Fingerprint("How do I restart?"), Fingerprint("  how   do i RESTART?  "))
	assert.NotEqual(t, Fingerprint("restart job"), Fingerprint("cancel job"))
}

func TestRecordFeedbackValidation(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	ok, err := m.RecordFeedback(ctx, "q", "D1", RatingPositive, "", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.RecordFeedback(ctx, "q", "D1", 2, "", nil)
	require.Error(t, err)
	var se *StoreError
	assert.ErrorAs(t, err, &se)

	_, err = m.RecordFeedback(ctx, "q", "", RatingPositive, "", nil)
	assert.Error(t, err)
}

func TestExactMatchAggregation(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	// Two events with the same fingerprint are both visible in the
	// exact-match aggregate.
	_, err := m.RecordFeedback(ctx, "restart job", "D1", RatingPositive, "u1", nil)
	require.NoError(t, err)
	_, err = m.RecordFeedback(ctx, "Restart   JOB", "D1", RatingPositive, "u2", nil)
	require.NoError(t, err)

	score, err := m.QueryFeedbackScore(ctx, "restart job", "D1", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	_, _ = m.RecordFeedback(ctx, "restart job", "D1", RatingNegative, "u3", nil)
	score, _ = m.QueryFeedbackScore(ctx, "restart job", "D1", nil)
	assert.InDelta(t, 1.0/3.0, score, 1e-9)
}

func TestSimilarityWeightedFallback(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	stored := []float32{1, 0, 0, 0}
	_, err := m.RecordFeedback(ctx, "how to restart a failed job", "D1", RatingPositive, "", stored)
	require.NoError(t, err)

	// Different fingerprint, near-identical embedding: weighted score.
	probe := []float32{0.99, 0.05, 0, 0}
	score, err := m.QueryFeedbackScore(ctx, "restarting jobs that failed", "D1", probe)
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)

	// Orthogonal embedding falls below the similarity floor.
	far := []float32{0, 0, 1, 0}
	score, err = m.QueryFeedbackScore(ctx, "unrelated question", "D1", far)
	require.NoError(t, err)
	assert.Zero(t, score)

	// No probe vector, no exact match: zero.
	score, _ = m.QueryFeedbackScore(ctx, "unrelated question", "D1", nil)
	assert.Zero(t, score)
}

func TestDocumentScoresBounded(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.RecordFeedback(ctx, "q", "D1", RatingPositive, "", nil)
	}
	_, _ = m.RecordFeedback(ctx, "q", "D1", RatingNegative, "", nil)
	_, _ = m.RecordFeedback(ctx, "q", "D2", RatingNegative, "", nil)

	scores, err := m.DocumentScores(ctx, []string{"D1", "D2", "D3"})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scores["D1"], 1e-9) // (3-1)/4
	assert.InDelta(t, -1.0, scores["D2"], 1e-9)
	assert.Zero(t, scores["D3"])
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestRecordBatchFeedback(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	n, err := m.RecordBatchFeedback(ctx, "q", []DocRating{
		{DocID: "B", Rating: RatingPositive},
		{DocID: "A", Rating: RatingNegative},
		{DocID: "C", Rating: RatingNegative},
	}, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := m.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRecords)
	assert.Equal(t, 1, stats.PositiveCount)
	assert.Equal(t, 2, stats.NegativeCount)
	assert.Equal(t, 1, stats.UniqueQueries)
	assert.Equal(t, 3, stats.UniqueDocs)
}

func TestRetentionWindow(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	ctx := context.Background()

	_, _ = m.RecordFeedback(ctx, "q", "D1", RatingPositive, "", nil)
	score, _ := m.QueryFeedbackScore(ctx, "q", "D1", nil)
	assert.InDelta(t, 1.0, score, 1e-9)

	time.Sleep(80 * time.Millisecond)
	score, _ = m.QueryFeedbackScore(ctx, "q", "D1", nil)
	assert.Zero(t, score)

	stats, _ := m.Statistics(ctx)
	assert.Zero(t, stats.TotalRecords)
}
