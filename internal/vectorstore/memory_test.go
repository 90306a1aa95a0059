package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(docID string, ordinal int, text, sha string, vec []float32) Record {
	return Record{
		ID:      ChunkID(docID, ordinal),
		DocID:   docID,
		Ordinal: ordinal,
		Text:    text,
		Vector:  vec,
		SHA256:  sha,
		Payload: map[string]any{"tenant": "t1", "doc_id": docID},
	}
}

func TestChunkIDFormat(t *testing.T) {
	assert.Equal(t, "D1#c000000", ChunkID("D1", 0))
	assert.Equal(t, "D1#c000042", ChunkID("D1", 42))
}

func TestMemoryUpsertAndQueryOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertBatch(ctx, []Record{
		rec("D1", 0, "alpha", "sha-a", []float32{1, 0, 0}),
		rec("D1", 1, "beta", "sha-b", []float32{0, 1, 0}),
		rec("D2", 0, "gamma", "sha-c", []float32{0.9, 0.1, 0}),
	}, "v1"), "upsert")

	hits, err := m.Query(ctx, QueryRequest{Vector: []float32{1, 0, 0}, TopK: 2, Collection: "v1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "D1#c000000", hits[0].ID)
	assert.Equal(t, "D2#c000000", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryUpsertIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := rec("D1", 0, "alpha", "sha-a", []float32{1, 0})
	require.NoError(t, m.UpsertBatch(ctx, []Record{r}, "v1"))
	r.Text = "alpha edited"
	require.NoError(t, m.UpsertBatch(ctx, []Record{r}, "v1"))

	n, err := m.Count(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hits, _ := m.Query(ctx, QueryRequest{Vector: []float32{1, 0}, TopK: 1, Collection: "v1"})
	assert.Equal(t, "alpha edited", hits[0].Text)
}

func TestMemoryCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertBatch(ctx, []Record{rec("D1", 0, "a", "s1", []float32{1})}, "v1"))
	require.NoError(t, m.UpsertBatch(ctx, []Record{rec("D1", 0, "b", "s2", []float32{1})}, "v2"))

	n1, _ := m.Count(ctx, "v1")
	n2, _ := m.Count(ctx, "v2")
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(1), n2)

	ok, _ := m.ExistsBySHA256(ctx, "s1", "v1")
	assert.True(t, ok)
	ok, _ = m.ExistsBySHA256(ctx, "s1", "v2")
	assert.False(t, ok)
}

func TestMemoryDeleteByDocumentID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertBatch(ctx, []Record{
		rec("D1", 0, "a", "s1", []float32{1}),
		rec("D1", 1, "b", "s2", []float32{1}),
		rec("D2", 0, "c", "s3", []float32{1}),
	}, "v1"))

	n, err := m.DeleteByDocumentID(ctx, "D1", "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, _ := m.Count(ctx, "v1")
	assert.Equal(t, int64(1), left)
}

func TestMemoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r1 := rec("D1", 0, "a", "s1", []float32{1, 0})
	r1.Payload["tenant"] = "acme"
	r2 := rec("D2", 0, "b", "s2", []float32{1, 0})
	r2.Payload["tenant"] = "globex"
	require.NoError(t, m.UpsertBatch(ctx, []Record{r1, r2}, "v1"))

	hits, err := m.Query(ctx, QueryRequest{
		Vector: []float32{1, 0}, TopK: 10, Collection: "v1",
		Filters: map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D1", hits[0].DocID)

	hits, err = m.Query(ctx, QueryRequest{
		Vector: []float32{1, 0}, TopK: 10, Collection: "v1",
		Filters: map[string]any{"sha256": "s2"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "D2", hits[0].DocID)
}

func TestMemoryWithVectors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.UpsertBatch(ctx, []Record{rec("D1", 0, "a", "s1", []float32{0.5, 0.5})}, "v1"))

	hits, _ := m.Query(ctx, QueryRequest{Vector: []float32{1, 0}, TopK: 1, Collection: "v1"})
	assert.Nil(t, hits[0].Vector)

	hits, _ = m.Query(ctx, QueryRequest{Vector: []float32{1, 0}, TopK: 1, Collection: "v1", WithVectors: true})
	assert.Equal(t, []float32{0.5, 0.5}, hits[0].Vector)
}
