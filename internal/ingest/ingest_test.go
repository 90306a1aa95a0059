package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsrag/internal/chunker"
	"opsrag/internal/embedder"
	"opsrag/internal/obs"
	"opsrag/internal/vectorstore"
)

func newService(t *testing.T, store vectorstore.Store, batchSize int) (*Service, *obs.MockMetrics) {
	t.Helper()
	ch := chunker.New(chunker.Options{Strategy: chunker.StrategySentences, MaxTokens: 8, OverlapTokens: 2})
	metrics := obs.NewMockMetrics()
	svc := NewService(ch, embedder.NewDeterministic(32), store,
		Config{CollectionWrite: "v1", CollectionRead: "v1", BatchSize: batchSize},
		metrics, zerolog.Nop())
	return svc, metrics
}

func TestIngestEmptyDocument(t *testing.T) {
	svc, _ := newService(t, vectorstore.NewMemory(), 4)
	n, err := svc.IngestDocument(context.Background(), Document{DocID: "D0", Text: ""})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIngestAssignsDenseOrdinals(t *testing.T) {
	store := vectorstore.NewMemory()
	svc, metrics := newService(t, store, 4)
	text := "First fact about the scheduler. Second fact about agents. Third fact about errors. Fourth fact about restarts."
	n, err := svc.IngestDocument(context.Background(), Document{
		Tenant: "t1", DocID: "D1", Source: "manual.txt", Text: text, TS: time.Now(),
	})
	require.NoError(t, err)
	require.Greater(t, n, 0)

	count, _ := store.Count(context.Background(), "v1")
	assert.Equal(t, int64(n), count)

	// Ordinals are dense from 0 in text order.
	hits, _ := store.Query(context.Background(), vectorstore.QueryRequest{
		Vector: make([]float32, 32), TopK: 100, Collection: "v1",
	})
	seen := map[int]bool{}
	for _, h := range hits {
		assert.Equal(t, vectorstore.ChunkID("D1", h.Ordinal), h.ID)
		seen[h.Ordinal] = true
	}
	for i := 0; i < n; i++ {
		assert.True(t, seen[i], "missing ordinal %d", i)
	}

	assert.Equal(t, 1, metrics.Counter(obs.MetricJobsTotal))
	assert.NotEmpty(t, metrics.Observations(obs.MetricEmbedSeconds))
	assert.NotEmpty(t, metrics.Observations(obs.MetricUpsertSeconds))
}

func TestIngestIdempotence(t *testing.T) {
	store := vectorstore.NewMemory()
	svc, _ := newService(t, store, 4)
	doc := Document{Tenant: "t1", DocID: "D1", Source: "s", Text: "One fact here. Another fact there. A third one too.", TS: time.Now()}

	n1, err := svc.IngestDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Greater(t, n1, 0)
	before, _ := store.Count(context.Background(), "v1")

	n2, err := svc.IngestDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
	after, _ := store.Count(context.Background(), "v1")
	assert.Equal(t, before, after)
}

func TestIngestDedupPreservesSurvivingOrdinals(t *testing.T) {
	store := vectorstore.NewMemory()
	// Tight token budget so chunk boundaries track sentences.
	ch := chunker.New(chunker.Options{Strategy: chunker.StrategySentences, MaxTokens: 6, OverlapTokens: 0})
	svc := NewService(ch, embedder.NewDeterministic(32), store,
		Config{CollectionWrite: "v1", CollectionRead: "v1", BatchSize: 4},
		obs.NewMockMetrics(), zerolog.Nop())

	// Pre-seed chunk "b" under a different document.
	chunks := ch.Chunk("Alpha facts sit right here. Beta facts sit right here. Gamma facts sit right here.")
	require.GreaterOrEqual(t, len(chunks), 3)
	pre := chunker.Normalize(chunks[1])
	require.NoError(t, store.UpsertBatch(context.Background(), []vectorstore.Record{{
		ID: vectorstore.ChunkID("OTHER", 0), DocID: "OTHER", Ordinal: 0,
		Text: pre, SHA256: SHA256Hex(pre), Vector: make([]float32, 32),
	}}, "v1"))

	n, err := svc.IngestDocument(context.Background(), Document{
		DocID: "D1", Text: "Alpha facts sit right here. Beta facts sit right here. Gamma facts sit right here.", TS: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, len(chunks)-1, n)

	// The surviving chunks keep the ordinal of their position in the
	// original sequence; the deduped slot stays vacant for D1.
	hits, _ := store.Query(context.Background(), vectorstore.QueryRequest{
		Vector: make([]float32, 32), TopK: 100, Collection: "v1",
		Filters: map[string]any{"doc_id": "D1"},
	})
	ordinals := map[int]bool{}
	for _, h := range hits {
		ordinals[h.Ordinal] = true
	}
	assert.True(t, ordinals[0])
	assert.False(t, ordinals[1])
	assert.True(t, ordinals[2])
}

func TestIngestCrossDocumentDedup(t *testing.T) {
	store := vectorstore.NewMemory()
	svc, _ := newService(t, store, 4)
	text := "The same normalized sentence appears twice."

	n1, err := svc.IngestDocument(context.Background(), Document{DocID: "D1", Text: text, TS: time.Now()})
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	// Identical text under a different doc id dedups within the collection.
	n2, err := svc.IngestDocument(context.Background(), Document{DocID: "D2", Text: text, TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestIngestBlueGreenCollections(t *testing.T) {
	store := vectorstore.NewMemory()
	ch := chunker.New(chunker.Options{Strategy: chunker.StrategySentences, MaxTokens: 64})
	svc := NewService(ch, embedder.NewDeterministic(32), store,
		Config{CollectionWrite: "v2", CollectionRead: "v1", BatchSize: 4},
		obs.NewMockMetrics(), zerolog.Nop())

	n, err := svc.IngestDocument(context.Background(), Document{DocID: "D1", Text: "Fresh content for the new collection.", TS: time.Now()})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n1, _ := store.Count(context.Background(), "v1")
	n2, _ := store.Count(context.Background(), "v2")
	assert.Equal(t, int64(0), n1)
	assert.Equal(t, int64(1), n2)
}

type failingEmbedder struct {
	*embedder.Deterministic
	failAfter int
	calls     int
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls > f.failAfter {
		return nil, errors.New("provider down")
	}
	return f.Deterministic.EmbedBatch(ctx, texts)
}

func TestIngestSliceFailureKeepsEarlierSlices(t *testing.T) {
	store := vectorstore.NewMemory()
	ch := chunker.New(chunker.Options{Strategy: chunker.StrategySentences, MaxTokens: 6, OverlapTokens: 0})
	femb := &failingEmbedder{Deterministic: embedder.NewDeterministic(32), failAfter: 1}
	svc := NewService(ch, femb, store,
		Config{CollectionWrite: "v1", CollectionRead: "v1", BatchSize: 1},
		obs.NewMockMetrics(), zerolog.Nop())

	text := "Alpha facts sit right here. Beta facts sit right here. Gamma facts sit right here."
	n, err := svc.IngestDocument(context.Background(), Document{DocID: "D1", Text: text, TS: time.Now()})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	count, _ := store.Count(context.Background(), "v1")
	assert.Equal(t, int64(1), count)

	// Retry succeeds and skips the committed slice via dedup.
	femb.failAfter = 100
	n2, err := svc.IngestDocument(context.Background(), Document{DocID: "D1", Text: text, TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 2, n2)
}

func TestPurgeDocument(t *testing.T) {
	store := vectorstore.NewMemory()
	svc, _ := newService(t, store, 4)
	_, err := svc.IngestDocument(context.Background(), Document{DocID: "D1", Text: "Something to purge later.", TS: time.Now()})
	require.NoError(t, err)

	n, err := svc.PurgeDocument(context.Background(), "D1")
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	count, _ := store.Count(context.Background(), "v1")
	assert.Equal(t, int64(0), count)
}
