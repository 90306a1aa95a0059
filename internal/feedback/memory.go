package feedback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

type event struct {
	fingerprint string
	docID       string
	rating      int
	userID      string
	queryVec    []float32
	createdAt   time.Time
}

// Memory is an in-process feedback store for tests and single-node use.
// Events are append-only; aggregates are recomputed on read.
type Memory struct {
	mu        sync.RWMutex
	events    []event
	retention time.Duration
}

// NewMemory returns an empty in-memory feedback store with the given
// retention window (zero means unbounded).
func NewMemory(retention time.Duration) *Memory {
	return &Memory{retention: retention}
}

func (m *Memory) RecordFeedback(_ context.Context, query, docID string, rating int, userID string, queryVec []float32) (bool, error) {
	if !validRating(rating) {
		return false, &StoreError{Op: "record", Err: fmt.Errorf("rating %d outside {-1,0,1}", rating)}
	}
	if docID == "" {
		return false, &StoreError{Op: "record", Err: fmt.Errorf("empty doc id")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event{
		fingerprint: Fingerprint(query),
		docID:       docID,
		rating:      rating,
		userID:      userID,
		queryVec:    append([]float32(nil), queryVec...),
		createdAt:   time.Now(),
	})
	return true, nil
}

func (m *Memory) RecordBatchFeedback(ctx context.Context, query string, ratings []DocRating, userID string) (int, error) {
	n := 0
	for _, r := range ratings {
		ok, err := m.RecordFeedback(ctx, query, r.DocID, r.Rating, userID, nil)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Memory) live(e event) bool {
	return m.retention <= 0 || time.Since(e.createdAt) <= m.retention
}

func (m *Memory) QueryFeedbackScore(_ context.Context, query, docID string, queryVec []float32) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp := Fingerprint(query)

	var sum, n float64
	for _, e := range m.events {
		if e.docID == docID && e.fingerprint == fp && m.live(e) {
			sum += float64(e.rating)
			n++
		}
	}
	if n > 0 {
		return sum / n, nil
	}

	if len(queryVec) == 0 {
		return 0, nil
	}
	var wsum, wtotal float64
	for _, e := range m.events {
		if e.docID != docID || len(e.queryVec) == 0 || !m.live(e) {
			continue
		}
		sim := cosine32(queryVec, e.queryVec)
		if sim < SimilarityFloor {
			continue
		}
		wsum += sim * float64(e.rating)
		wtotal += sim
	}
	if wtotal == 0 {
		return 0, nil
	}
	return wsum / wtotal, nil
}

func (m *Memory) DocumentScores(_ context.Context, docIDs []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos := map[string]float64{}
	neg := map[string]float64{}
	for _, e := range m.events {
		if !m.live(e) {
			continue
		}
		switch {
		case e.rating > 0:
			pos[e.docID]++
		case e.rating < 0:
			neg[e.docID]++
		}
	}
	out := make(map[string]float64, len(docIDs))
	for _, id := range docIDs {
		total := pos[id] + neg[id]
		if total == 0 {
			out[id] = 0
			continue
		}
		out[id] = (pos[id] - neg[id]) / total
	}
	return out, nil
}

func (m *Memory) Statistics(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	queries := map[string]bool{}
	docs := map[string]bool{}
	for _, e := range m.events {
		if !m.live(e) {
			continue
		}
		s.TotalRecords++
		queries[e.fingerprint] = true
		docs[e.docID] = true
		switch {
		case e.rating > 0:
			s.PositiveCount++
		case e.rating < 0:
			s.NegativeCount++
		default:
			s.NeutralCount++
		}
	}
	s.UniqueQueries = len(queries)
	s.UniqueDocs = len(docs)
	return s, nil
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
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
