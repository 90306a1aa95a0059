package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"
)

// PgConfig tunes the pgvector-backed store.
type PgConfig struct {
	Dimension          int
	HNSWM              int
	HNSWEfConstruction int
	// EfSearch bounds applied to the caller-supplied search effort.
	EfSearchBase int
	EfSearchMax  int
	// Timeout applies per call.
	Timeout time.Duration
}

// PgVector is a Store backed by PostgreSQL with the pgvector extension.
// One table holds every collection; HNSW over cosine distance serves the
// nearest-neighbor queries.
type PgVector struct {
	pool *pgxpool.Pool
	cfg  PgConfig
	log  zerolog.Logger
}

// NewPgVector opens a pool (min 2 / max 10 connections), ensures the
// extension, table, and indexes, and returns the store.
func NewPgVector(ctx context.Context, dsn string, cfg PgConfig, log zerolog.Logger) (*PgVector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HNSWM <= 0 {
		cfg.HNSWM = 16
	}
	if cfg.HNSWEfConstruction <= 0 {
		cfg.HNSWEfConstruction = 256
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storeErr("parse dsn", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storeErr("open pool", err)
	}
	s := &PgVector{pool: pool, cfg: cfg, log: log.With().Str("component", "pgvector").Logger()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVector) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		s.log.Warn().Err(err).Msg("pgvector extension check failed")
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS document_embeddings (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    collection_name VARCHAR(100) NOT NULL,
    document_id VARCHAR(255) NOT NULL,
    chunk_ordinal INTEGER NOT NULL DEFAULT 0,
    content TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB DEFAULT '{}',
    sha256 VARCHAR(64),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(collection_name, document_id, chunk_ordinal)
)`, s.cfg.Dimension)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return storeErr("create table", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_embeddings_collection ON document_embeddings(collection_name)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_sha256 ON document_embeddings(sha256)`,
	} {
		if _, err := s.pool.Exec(ctx, idx); err != nil {
			return storeErr("create index", err)
		}
	}

	hnsw := fmt.Sprintf(`
CREATE INDEX IF NOT EXISTS idx_embeddings_vector
ON document_embeddings
USING hnsw (embedding vector_cosine_ops)
WITH (m = %d, ef_construction = %d)`, s.cfg.HNSWM, s.cfg.HNSWEfConstruction)
	if _, err := s.pool.Exec(ctx, hnsw); err != nil {
		// Older pgvector builds lack HNSW; sequential scan still works.
		s.log.Warn().Err(err).Msg("hnsw index creation failed")
	}
	return nil
}

const upsertSQL = `
INSERT INTO document_embeddings
    (collection_name, document_id, chunk_ordinal, content, embedding, metadata, sha256)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (collection_name, document_id, chunk_ordinal)
DO UPDATE SET
    content = EXCLUDED.content,
    embedding = EXCLUDED.embedding,
    metadata = EXCLUDED.metadata,
    sha256 = EXCLUDED.sha256,
    updated_at = CURRENT_TIMESTAMP`

func (s *PgVector) UpsertBatch(ctx context.Context, recs []Record, collection string) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, r := range recs {
		b.Queue(upsertSQL, collection, r.DocID, r.Ordinal, r.Text,
			pgvector.NewVector(r.Vector), r.Payload, r.SHA256)
	}
	br := tx.SendBatch(ctx, b)
	for range recs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return storeErr("upsert batch", err)
		}
	}
	if err := br.Close(); err != nil {
		return storeErr("upsert batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func (s *PgVector) Query(ctx context.Context, req QueryRequest) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	// SET LOCAL needs a transaction; the effort parameter dies with it.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if ef := s.clampEf(req.EfSearch); ef > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)); err != nil {
			s.log.Warn().Err(err).Msg("setting hnsw.ef_search failed, using index default")
		}
	}

	selectCols := "document_id, chunk_ordinal, content, metadata, sha256"
	if req.WithVectors {
		selectCols += ", embedding"
	}
	sql := fmt.Sprintf(`
SELECT %s, embedding <=> $1 AS distance
FROM document_embeddings
WHERE collection_name = $2`, selectCols)
	args := []any{pgvector.NewVector(req.Vector), req.Collection}

	for key, val := range req.Filters {
		if val == nil {
			continue
		}
		if key == "sha256" {
			sql += fmt.Sprintf(" AND sha256 = $%d", len(args)+1)
		} else {
			sql += fmt.Sprintf(" AND metadata->>%s = $%d", quoteLiteral(key), len(args)+1)
		}
		args = append(args, fmt.Sprint(val))
	}

	k := req.TopK
	if k <= 0 {
		k = 10
	}
	sql += fmt.Sprintf(" ORDER BY distance LIMIT $%d", len(args)+1)
	args = append(args, k)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr("query", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h        Hit
			metadata map[string]any
			distance float64
			vec      pgvector.Vector
		)
		dest := []any{&h.DocID, &h.Ordinal, &h.Text, &metadata, &h.SHA256}
		if req.WithVectors {
			dest = append(dest, &vec)
		}
		dest = append(dest, &distance)
		if err := rows.Scan(dest...); err != nil {
			return nil, storeErr("scan", err)
		}
		h.ID = ChunkID(h.DocID, h.Ordinal)
		h.Score = 1.0 - distance
		h.Payload = metadata
		if req.WithVectors {
			h.Vector = vec.Slice()
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit", err)
	}
	return hits, nil
}

func (s *PgVector) Count(ctx context.Context, collection string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_embeddings WHERE collection_name = $1`, collection).Scan(&n)
	if err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func (s *PgVector) ExistsBySHA256(ctx context.Context, sha256, collection string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM document_embeddings WHERE collection_name = $1 AND sha256 = $2 LIMIT 1`,
		collection, sha256).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storeErr("exists", err)
	}
	return true, nil
}

func (s *PgVector) DeleteByDocumentID(ctx context.Context, docID, collection string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM document_embeddings WHERE collection_name = $1 AND document_id = $2`,
		collection, docID)
	if err != nil {
		return 0, storeErr("delete", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgVector) Close() { s.pool.Close() }

// Pool exposes the underlying connection pool so sibling stores (the
// feedback tables) can share it.
func (s *PgVector) Pool() *pgxpool.Pool { return s.pool }

// clampEf bounds the caller-supplied effort to the configured window.
func (s *PgVector) clampEf(ef int) int {
	if ef <= 0 {
		return 0
	}
	if s.cfg.EfSearchBase > 0 && ef < s.cfg.EfSearchBase {
		ef = s.cfg.EfSearchBase
	}
	if s.cfg.EfSearchMax > 0 && ef > s.cfg.EfSearchMax {
		ef = s.cfg.EfSearchMax
	}
	return ef
}

// quoteLiteral escapes a metadata key for use as a SQL string literal.
// Keys come from caller-supplied filter maps, never from row data.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
