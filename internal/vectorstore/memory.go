package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type memRecord struct {
	rec        Record
	collection string
}

// Memory is an in-process Store used by tests and by deployments that
// have no database at hand. Search is exact cosine over all rows.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]memRecord // keyed by collection+"/"+docID+"/"+ordinal
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]memRecord)}
}

func memKey(collection, docID string, ordinal int) string {
	return fmt.Sprintf("%s/%s/%d", collection, docID, ordinal)
}

func (m *Memory) UpsertBatch(_ context.Context, recs []Record, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		cp := r
		cp.Vector = append([]float32(nil), r.Vector...)
		cp.Payload = clonePayload(r.Payload)
		m.rows[memKey(collection, r.DocID, r.Ordinal)] = memRecord{rec: cp, collection: collection}
	}
	return nil
}

func (m *Memory) Query(_ context.Context, req QueryRequest) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := req.TopK
	if k <= 0 {
		k = 10
	}
	qnorm := vecNorm(req.Vector)
	hits := make([]Hit, 0, len(m.rows))
	for _, row := range m.rows {
		if row.collection != req.Collection {
			continue
		}
		if !matchesFilters(row.rec, req.Filters) {
			continue
		}
		h := Hit{
			ID:      row.rec.ID,
			DocID:   row.rec.DocID,
			Ordinal: row.rec.Ordinal,
			Score:   cosine(req.Vector, row.rec.Vector, qnorm),
			Text:    row.rec.Text,
			SHA256:  row.rec.SHA256,
			Payload: clonePayload(row.rec.Payload),
		}
		if req.WithVectors {
			h.Vector = append([]float32(nil), row.rec.Vector...)
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocID != hits[j].DocID {
			return hits[i].DocID < hits[j].DocID
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Count(_ context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.rows {
		if row.collection == collection {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExistsBySHA256(_ context.Context, sha256, collection string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.rows {
		if row.collection == collection && row.rec.SHA256 == sha256 {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteByDocumentID(_ context.Context, docID, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, row := range m.rows {
		if row.collection == collection && row.rec.DocID == docID {
			delete(m.rows, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() {}

func matchesFilters(r Record, filters map[string]any) bool {
	for key, want := range filters {
		if want == nil {
			continue
		}
		var got any
		switch key {
		case "sha256":
			got = r.SHA256
		case "doc_id":
			got = r.DocID
		default:
			got = r.Payload[key]
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func clonePayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func vecNorm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = vecNorm(a)
	}
	bnorm := vecNorm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}
