package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"opsrag/internal/chunker"
	"opsrag/internal/embedder"
	"opsrag/internal/obs"
	"opsrag/internal/vectorstore"
)

// Document is one unit of ingestion.
type Document struct {
	Tenant       string
	DocID        string
	Source       string
	Text         string
	TS           time.Time
	Tags         []string
	GraphVersion int
}

// Config wires the ingestion pipeline.
type Config struct {
	// CollectionWrite receives new chunks; CollectionRead is probed for
	// dedup. They differ during blue/green re-embeds.
	CollectionWrite string
	CollectionRead  string
	BatchSize       int
}

// Service performs idempotent, batched document ingestion: token-aware
// chunking, dedup by sha256 of the normalized chunk, batch embedding,
// and batch upsert with the full payload.
type Service struct {
	chunker *chunker.Chunker
	emb     embedder.Embedder
	store   vectorstore.Store
	cfg     Config
	metrics obs.Metrics
	log     zerolog.Logger
}

// NewService builds an ingestion service. BatchSize defaults to 128.
func NewService(ch *chunker.Chunker, emb embedder.Embedder, store vectorstore.Store, cfg Config, metrics obs.Metrics, log zerolog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Service{
		chunker: ch,
		emb:     emb,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

// SHA256Hex returns the content hash used for chunk dedup.
func SHA256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IngestDocument chunks, dedups, embeds, and upserts one document,
// returning the number of newly persisted chunks. Re-ingesting the same
// text yields zero. A slice failure aborts the document but leaves
// earlier slices committed; retries are safe because the dedup probe
// skips them.
func (s *Service) IngestDocument(ctx context.Context, doc Document) (int, error) {
	start := time.Now()
	chunks := s.chunker.Chunk(doc.Text)
	if len(chunks) == 0 {
		return 0, nil
	}

	var recs []vectorstore.Record
	for i, ck := range chunks {
		norm := chunker.Normalize(ck)
		sha := SHA256Hex(norm)
		exists, err := s.store.ExistsBySHA256(ctx, sha, s.cfg.CollectionRead)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		chunkID := vectorstore.ChunkID(doc.DocID, i)
		tags := doc.Tags
		if tags == nil {
			tags = []string{}
		}
		recs = append(recs, vectorstore.Record{
			ID:      chunkID,
			DocID:   doc.DocID,
			Ordinal: i,
			Text:    norm,
			SHA256:  sha,
			Payload: map[string]any{
				"tenant":        doc.Tenant,
				"doc_id":        doc.DocID,
				"chunk_id":      chunkID,
				"source":        doc.Source,
				"section":       nil,
				"ts":            doc.TS.UTC().Format(time.RFC3339),
				"tags":          tags,
				"neighbors":     []string{},
				"graph_version": doc.GraphVersion,
				"sha256":        sha,
			},
		})
	}

	if len(recs) == 0 {
		s.log.Info().Str("doc_id", doc.DocID).Msg("no new chunks to ingest (dedup hit)")
		return 0, nil
	}

	total := 0
	for off := 0; off < len(recs); off += s.cfg.BatchSize {
		end := off + s.cfg.BatchSize
		if end > len(recs) {
			end = len(recs)
		}
		slice := recs[off:end]

		texts := make([]string, len(slice))
		for i, r := range slice {
			texts[i] = r.Text
		}
		t0 := time.Now()
		vecs, err := s.emb.EmbedBatch(ctx, texts)
		s.metrics.ObserveHistogram(obs.MetricEmbedSeconds, time.Since(t0).Seconds(), nil)
		if err != nil {
			return total, err
		}
		for i := range slice {
			slice[i].Vector = vecs[i]
		}

		t0 = time.Now()
		err = s.store.UpsertBatch(ctx, slice, s.cfg.CollectionWrite)
		s.metrics.ObserveHistogram(obs.MetricUpsertSeconds, time.Since(t0).Seconds(), nil)
		if err != nil {
			return total, err
		}
		total += len(slice)
	}

	s.metrics.IncCounter(obs.MetricJobsTotal, map[string]string{"status": "ingested"})
	s.log.Info().Str("doc_id", doc.DocID).Int("chunks", total).
		Dur("elapsed", time.Since(start)).Msg("document ingested")
	return total, nil
}

// PurgeDocument deletes every chunk of a document from the write
// collection, returning the number removed. This is the only way chunks
// leave the store; they are never updated in place.
func (s *Service) PurgeDocument(ctx context.Context, docID string) (int64, error) {
	return s.store.DeleteByDocumentID(ctx, docID, s.cfg.CollectionWrite)
}
