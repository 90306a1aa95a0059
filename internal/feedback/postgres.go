package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
)

// PostgresConfig tunes the SQL-backed feedback store.
type PostgresConfig struct {
	// VectorDimension sizes the query_vector column; must match the
	// embedder dimension.
	VectorDimension int
	// Retention bounds how far back aggregates look; events beyond it
	// are deleted only when Prune is called.
	Retention time.Duration
}

// Postgres persists feedback in two tables: append-only feedback_events
// plus a doc_feedback aggregate refreshed lazily on read.
type Postgres struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	log  zerolog.Logger
}

// NewPostgres ensures the schema and returns the store. The pool is
// shared with the vector store; this type does not own its lifecycle.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, cfg PostgresConfig, log zerolog.Logger) (*Postgres, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 180 * 24 * time.Hour
	}
	p := &Postgres{pool: pool, cfg: cfg, log: log.With().Str("component", "feedback").Logger()}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS feedback_events (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    query_fingerprint VARCHAR(64) NOT NULL,
    doc_id VARCHAR(255) NOT NULL,
    rating SMALLINT NOT NULL CHECK (rating BETWEEN -1 AND 1),
    user_id VARCHAR(255),
    query_vector vector(%d),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, p.cfg.VectorDimension)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return &StoreError{Op: "create events table", Err: err}
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_feedback_fp_doc ON feedback_events(query_fingerprint, doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_doc ON feedback_events(doc_id)`,
	} {
		if _, err := p.pool.Exec(ctx, idx); err != nil {
			return &StoreError{Op: "create index", Err: err}
		}
	}
	agg := `
CREATE TABLE IF NOT EXISTS doc_feedback (
    doc_id VARCHAR(255) PRIMARY KEY,
    pos INTEGER NOT NULL DEFAULT 0,
    neg INTEGER NOT NULL DEFAULT 0,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    refreshed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	if _, err := p.pool.Exec(ctx, agg); err != nil {
		return &StoreError{Op: "create aggregate table", Err: err}
	}
	return nil
}

func (p *Postgres) RecordFeedback(ctx context.Context, query, docID string, rating int, userID string, queryVec []float32) (bool, error) {
	if !validRating(rating) {
		return false, &StoreError{Op: "record", Err: fmt.Errorf("rating %d outside {-1,0,1}", rating)}
	}
	if docID == "" {
		return false, &StoreError{Op: "record", Err: fmt.Errorf("empty doc id")}
	}
	var err error
	if len(queryVec) > 0 {
		_, err = p.pool.Exec(ctx, `
INSERT INTO feedback_events (query_fingerprint, doc_id, rating, user_id, query_vector)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
			Fingerprint(query), docID, rating, userID, pgvector.NewVector(queryVec))
	} else {
		_, err = p.pool.Exec(ctx, `
INSERT INTO feedback_events (query_fingerprint, doc_id, rating, user_id)
VALUES ($1, $2, $3, NULLIF($4, ''))`,
			Fingerprint(query), docID, rating, userID)
	}
	if err != nil {
		return false, &StoreError{Op: "record", Err: err}
	}
	return true, nil
}

func (p *Postgres) RecordBatchFeedback(ctx context.Context, query string, ratings []DocRating, userID string) (int, error) {
	if len(ratings) == 0 {
		return 0, nil
	}
	fp := Fingerprint(query)
	b := &pgx.Batch{}
	for _, r := range ratings {
		if !validRating(r.Rating) || r.DocID == "" {
			return 0, &StoreError{Op: "record batch", Err: fmt.Errorf("invalid rating %d for doc %q", r.Rating, r.DocID)}
		}
		b.Queue(`
INSERT INTO feedback_events (query_fingerprint, doc_id, rating, user_id)
VALUES ($1, $2, $3, NULLIF($4, ''))`, fp, r.DocID, r.Rating, userID)
	}
	br := p.pool.SendBatch(ctx, b)
	defer br.Close()
	n := 0
	for range ratings {
		if _, err := br.Exec(); err != nil {
			return n, &StoreError{Op: "record batch", Err: err}
		}
		n++
	}
	return n, nil
}

func (p *Postgres) QueryFeedbackScore(ctx context.Context, query, docID string, queryVec []float32) (float64, error) {
	var avg *float64
	err := p.pool.QueryRow(ctx, `
SELECT AVG(rating)::float8 FROM feedback_events
WHERE query_fingerprint = $1 AND doc_id = $2 AND created_at > $3`,
		Fingerprint(query), docID, p.horizon()).Scan(&avg)
	if err != nil {
		return 0, &StoreError{Op: "query score", Err: err}
	}
	if avg != nil {
		return *avg, nil
	}

	if len(queryVec) == 0 {
		return 0, nil
	}
	// Similarity-weighted aggregate over stored query vectors close to
	// the probe embedding.
	rows, err := p.pool.Query(ctx, `
SELECT rating, 1 - (query_vector <=> $1) AS sim
FROM feedback_events
WHERE doc_id = $2 AND query_vector IS NOT NULL AND created_at > $3`,
		pgvector.NewVector(queryVec), docID, p.horizon())
	if err != nil {
		return 0, &StoreError{Op: "query score", Err: err}
	}
	defer rows.Close()
	var wsum, wtotal float64
	for rows.Next() {
		var rating int
		var sim float64
		if err := rows.Scan(&rating, &sim); err != nil {
			return 0, &StoreError{Op: "query score", Err: err}
		}
		if sim < SimilarityFloor {
			continue
		}
		wsum += sim * float64(rating)
		wtotal += sim
	}
	if err := rows.Err(); err != nil {
		return 0, &StoreError{Op: "query score", Err: err}
	}
	if wtotal == 0 {
		return 0, nil
	}
	return wsum / wtotal, nil
}

// DocumentScores recomputes the per-document aggregates from events and
// refreshes the doc_feedback materialization as a side effect.
func (p *Postgres) DocumentScores(ctx context.Context, docIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(docIDs))
	if len(docIDs) == 0 {
		return out, nil
	}
	for _, id := range docIDs {
		out[id] = 0
	}
	rows, err := p.pool.Query(ctx, `
SELECT doc_id,
       COUNT(*) FILTER (WHERE rating > 0) AS pos,
       COUNT(*) FILTER (WHERE rating < 0) AS neg
FROM feedback_events
WHERE doc_id = ANY($1) AND created_at > $2
GROUP BY doc_id`, docIDs, p.horizon())
	if err != nil {
		return nil, &StoreError{Op: "document scores", Err: err}
	}
	defer rows.Close()

	type aggRow struct {
		docID    string
		pos, neg int64
	}
	var aggs []aggRow
	for rows.Next() {
		var a aggRow
		if err := rows.Scan(&a.docID, &a.pos, &a.neg); err != nil {
			return nil, &StoreError{Op: "document scores", Err: err}
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "document scores", Err: err}
	}

	b := &pgx.Batch{}
	for _, a := range aggs {
		var score float64
		if total := a.pos + a.neg; total > 0 {
			score = float64(a.pos-a.neg) / float64(total)
		}
		out[a.docID] = score
		b.Queue(`
INSERT INTO doc_feedback (doc_id, pos, neg, score, refreshed_at)
VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
ON CONFLICT (doc_id) DO UPDATE SET
    pos = EXCLUDED.pos, neg = EXCLUDED.neg,
    score = EXCLUDED.score, refreshed_at = EXCLUDED.refreshed_at`,
			a.docID, a.pos, a.neg, score)
	}
	if b.Len() > 0 {
		br := p.pool.SendBatch(ctx, b)
		if err := br.Close(); err != nil {
			// The materialization is a cache; a refresh failure does
			// not invalidate the freshly computed scores.
			p.log.Warn().Err(err).Msg("doc_feedback refresh failed")
		}
	}
	return out, nil
}

func (p *Postgres) Statistics(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE rating > 0),
       COUNT(*) FILTER (WHERE rating < 0),
       COUNT(*) FILTER (WHERE rating = 0),
       COUNT(DISTINCT query_fingerprint),
       COUNT(DISTINCT doc_id)
FROM feedback_events
WHERE created_at > $1`, p.horizon()).Scan(
		&s.TotalRecords, &s.PositiveCount, &s.NegativeCount,
		&s.NeutralCount, &s.UniqueQueries, &s.UniqueDocs)
	if err != nil {
		return Stats{}, &StoreError{Op: "statistics", Err: err}
	}
	return s, nil
}

// Prune deletes events past the retention window and returns the number
// removed.
func (p *Postgres) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM feedback_events WHERE created_at <= $1`, p.horizon())
	if err != nil {
		return 0, &StoreError{Op: "prune", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) horizon() time.Time {
	return time.Now().Add(-p.cfg.Retention)
}
