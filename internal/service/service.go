// Package service wires the retrieval engine together and owns the
// lifecycle of its singletons: the store pool, the cross-encoder, and
// the intent-exemplar cache.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opsrag/internal/cache"
	"opsrag/internal/chunker"
	"opsrag/internal/config"
	"opsrag/internal/embedder"
	"opsrag/internal/feedback"
	"opsrag/internal/ingest"
	"opsrag/internal/llm"
	"opsrag/internal/obs"
	"opsrag/internal/promptfmt"
	"opsrag/internal/rerank"
	"opsrag/internal/retrieve"
	"opsrag/internal/router"
	"opsrag/internal/vectorstore"
)

// Service is the engine facade exposed to collaborators: ingest,
// retrieve, rerank, feedback, classify, and prompt formatting.
type Service struct {
	cfg config.Config
	log zerolog.Logger

	store     vectorstore.Store
	emb       embedder.Embedder
	fb        feedback.Store
	reranker  rerank.Reranker
	generator llm.Generator

	ingester  *ingest.Service
	retriever *retrieve.Retriever
	router    *router.Router
	formatter promptfmt.Formatter

	metrics       obs.Metrics
	shutdownTelem func(context.Context) error
	redisCache    *cache.Redis
	ownsStore     bool
}

// Option customizes construction, mainly for tests and embedding
// collaborators that bring their own implementations.
type Option func(*Service)

// WithStore injects a vector store and suppresses backend selection.
func WithStore(st vectorstore.Store) Option {
	return func(s *Service) { s.store = st; s.ownsStore = false }
}

// WithEmbedder injects an embedder.
func WithEmbedder(e embedder.Embedder) Option { return func(s *Service) { s.emb = e } }

// WithFeedbackStore injects a feedback store.
func WithFeedbackStore(fb feedback.Store) Option { return func(s *Service) { s.fb = fb } }

// WithGenerator injects the LLM generator used by the router fallback.
func WithGenerator(g llm.Generator) Option { return func(s *Service) { s.generator = g } }

// WithMetrics injects a metrics sink.
func WithMetrics(m obs.Metrics) Option { return func(s *Service) { s.metrics = m } }

// New builds and initializes the engine. Invalid configuration refuses
// to start; degraded collaborators (reranker, feedback, router) do not.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := obs.NewLogger(cfg.LogLevel)

	s := &Service{cfg: cfg, log: log, metrics: obs.NoopMetrics{}, ownsStore: true}
	for _, o := range opts {
		o(s)
	}

	shutdownTelem, err := obs.SetupTelemetry(ctx, obs.TelemetryConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	s.shutdownTelem = shutdownTelem
	if cfg.Telemetry.Enabled {
		if _, ok := s.metrics.(obs.NoopMetrics); ok {
			s.metrics = obs.NewOtelMetrics()
		}
	}

	if s.emb == nil {
		s.emb = buildEmbedder(cfg.Embedding, log)
	}
	if s.store == nil {
		st, err := buildStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	if s.fb == nil {
		s.fb = buildFeedbackStore(ctx, cfg, s.store, log)
	}

	if s.generator == nil && (cfg.LLM.BaseURL != "" || cfg.LLM.APIKey != "") {
		s.generator = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		})
	}

	ch := chunker.New(chunker.Options{
		Strategy:      chunker.StrategyTokens,
		MaxTokens:     512,
		OverlapTokens: 64,
	})
	s.ingester = ingest.NewService(ch, s.emb, s.store, ingest.Config{
		CollectionWrite: cfg.Collections.Write,
		CollectionRead:  cfg.Collections.Read,
		BatchSize:       cfg.Embedding.BatchSize,
	}, s.metrics, log)

	s.reranker = rerank.Noop{}
	if cfg.Rerank.Enabled && cfg.Rerank.URL != "" {
		ce := rerank.NewCrossEncoder(rerank.Config{
			Model:     cfg.Rerank.Model,
			URL:       cfg.Rerank.URL,
			TopK:      cfg.Rerank.TopK,
			Threshold: cfg.Rerank.Threshold,
		}, log)
		// Warm eagerly so the first query skips the cold start; a
		// failure here just means pass-through mode.
		ce.Preload(ctx)
		s.reranker = ce
	}

	retrOpts := []retrieve.Option{
		retrieve.WithMetrics(s.metrics),
		retrieve.WithReranker(s.reranker),
	}
	if s.fb != nil {
		retrOpts = append(retrOpts, retrieve.WithFeedbackStore(s.fb))
	}
	if qc := buildQueryCache(cfg, log); qc != nil {
		retrOpts = append(retrOpts, retrieve.WithQueryCache(qc))
		if rc, ok := qc.(*cache.Redis); ok {
			s.redisCache = rc
		}
	}
	s.retriever = retrieve.New(s.emb, s.store, retrieve.Config{
		CollectionRead:   cfg.Collections.Read,
		MaxTopK:          cfg.Search.MaxTopK,
		EfSearchBase:     cfg.Search.EfSearchBase,
		EfSearchMax:      cfg.Search.EfSearchMax,
		RerankEnabled:    cfg.Rerank.Enabled && cfg.Rerank.URL != "",
		RerankThreshold:  cfg.Rerank.Threshold,
		FeedbackWeight:   cfg.Feedback.Weight,
		MinBoost:         cfg.Feedback.MinBoost,
		MaxBoost:         cfg.Feedback.MaxBoost,
		Adaptive:         cfg.Feedback.Adaptive,
		MinForFullWeight: cfg.Feedback.MinForFullWeight,
	}, log, retrOpts...)

	routerEmb := s.emb
	if m := strings.TrimSpace(cfg.Router.EmbeddingModel); m != "" && m != cfg.Embedding.Model {
		routerEmb = buildEmbedder(config.EmbeddingConfig{
			Model:         m,
			Provider:      cfg.Embedding.Provider,
			Dimension:     cfg.Embedding.Dimension,
			APIKey:        cfg.Embedding.APIKey,
			BaseURL:       cfg.Embedding.BaseURL,
			BatchSize:     cfg.Embedding.BatchSize,
			TimeoutSecs:   cfg.Embedding.TimeoutSecs,
			RetryAttempts: cfg.Embedding.RetryAttempts,
			Lenient:       cfg.Embedding.Lenient,
		}, log)
	}
	s.router = router.New(routerEmb, s.generator, router.Config{
		ConfidenceThreshold: cfg.Router.ConfidenceThreshold,
		UseLLMFallback:      cfg.Router.UseLLMFallback,
		CacheDir:            cfg.Router.CacheDir,
	}, log)
	if err := s.router.Init(ctx); err != nil {
		// The router degrades to GENERAL answers; classification is
		// never a startup blocker.
		log.Warn().Err(err).Msg("intent router init failed")
	}

	return s, nil
}

func buildEmbedder(cfg config.EmbeddingConfig, log zerolog.Logger) embedder.Embedder {
	if strings.EqualFold(cfg.Provider, string(embedder.ProviderFallback)) || cfg.BaseURL == "" {
		return embedder.NewDeterministic(cfg.Dimension)
	}
	return embedder.NewService(embedder.Config{
		Model:         cfg.Model,
		Provider:      embedder.Provider(strings.ToLower(cfg.Provider)),
		Dimension:     cfg.Dimension,
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		BatchSize:     cfg.BatchSize,
		Timeout:       time.Duration(cfg.TimeoutSecs * float64(time.Second)),
		RetryAttempts: cfg.RetryAttempts,
		Lenient:       cfg.Lenient,
	}, log)
}

func buildStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (vectorstore.Store, error) {
	pgCfg := vectorstore.PgConfig{
		Dimension:          cfg.Embedding.Dimension,
		HNSWM:              cfg.Search.HNSWM,
		HNSWEfConstruction: cfg.Search.HNSWEfConstruct,
		EfSearchBase:       cfg.Search.EfSearchBase,
		EfSearchMax:        cfg.Search.EfSearchMax,
	}
	switch strings.ToLower(cfg.Search.VectorBackend) {
	case "memory":
		return vectorstore.NewMemory(), nil
	case "qdrant":
		return vectorstore.NewQdrantStore(cfg.Search.QdrantURL, pgCfg, log)
	default:
		return vectorstore.NewPgVector(ctx, cfg.Database.URL, pgCfg, log)
	}
}

func buildFeedbackStore(ctx context.Context, cfg config.Config, store vectorstore.Store, log zerolog.Logger) feedback.Store {
	retention := time.Duration(cfg.Feedback.RetentionDays) * 24 * time.Hour
	if pg, ok := store.(*vectorstore.PgVector); ok {
		fb, err := feedback.NewPostgres(ctx, pg.Pool(), feedback.PostgresConfig{
			VectorDimension: cfg.Embedding.Dimension,
			Retention:       retention,
		}, log)
		if err == nil {
			return fb
		}
		log.Warn().Err(err).Msg("feedback schema setup failed, using in-memory store")
	}
	return feedback.NewMemory(retention)
}

func buildQueryCache(cfg config.Config, log zerolog.Logger) cache.EmbeddingCache {
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.RedisURL, time.Hour, log)
		if err == nil {
			return rc
		}
		log.Warn().Err(err).Msg("redis cache unavailable, using in-memory cache")
	}
	return cache.NewMemory(0)
}

// Ingest runs the idempotent ingestion pipeline for one document.
func (s *Service) Ingest(ctx context.Context, doc ingest.Document) (int, error) {
	return s.ingester.IngestDocument(ctx, doc)
}

// PurgeDocument removes every chunk of a document.
func (s *Service) PurgeDocument(ctx context.Context, docID string) (int64, error) {
	return s.ingester.PurgeDocument(ctx, docID)
}

// Retrieve runs the two-stage query pipeline.
func (s *Service) Retrieve(ctx context.Context, query string, opt retrieve.Options) ([]retrieve.Result, error) {
	return s.retriever.Retrieve(ctx, query, opt)
}

// Rerank exposes the cross-encoder stage directly.
func (s *Service) Rerank(ctx context.Context, query string, candidates []rerank.Candidate, topK int, threshold float64) rerank.Result {
	return s.reranker.Rerank(ctx, query, candidates, topK, threshold)
}

// RecordFeedback stores an explicit verdict for a (query, doc) pair.
func (s *Service) RecordFeedback(ctx context.Context, query, docID string, rating int, userID string) (bool, error) {
	return s.retriever.RecordFeedback(ctx, query, docID, rating, userID)
}

// RecordImplicitFeedback turns a reported selection into signals.
func (s *Service) RecordImplicitFeedback(ctx context.Context, query, selectedDocID string, shownDocIDs []string, userID string) (int, error) {
	return s.retriever.RecordImplicitFeedback(ctx, query, selectedDocID, shownDocIDs, userID)
}

// Classify routes a query to an intent.
func (s *Service) Classify(ctx context.Context, query string) router.Classification {
	return s.router.Classify(ctx, query)
}

// FormatPrompt builds the generator prompt bundle from retrieved
// context.
func (s *Service) FormatPrompt(query, context string, opt promptfmt.RAGOptions) promptfmt.Prompt {
	return s.formatter.FormatRAGPrompt(query, context, opt)
}

// Store exposes the vector store, letting collaborators share the pool
// during blue/green flips.
func (s *Service) Store() vectorstore.Store { return s.store }

// FeedbackStats reports feedback corpus counts.
func (s *Service) FeedbackStats(ctx context.Context) (feedback.Stats, error) {
	if s.fb == nil {
		return feedback.Stats{}, nil
	}
	return s.fb.Statistics(ctx)
}

// CollectionCount reports the number of chunks in the read collection
// and updates the collection gauge.
func (s *Service) CollectionCount(ctx context.Context) (int64, error) {
	n, err := s.store.Count(ctx, s.cfg.Collections.Read)
	if err != nil {
		return 0, err
	}
	s.metrics.SetGauge(obs.MetricCollectionVectors, float64(n), map[string]string{"collection": s.cfg.Collections.Read})
	return n, nil
}

// Shutdown tears down the singletons: store pool, telemetry, caches.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.ownsStore && s.store != nil {
		s.store.Close()
	}
	if s.redisCache != nil {
		errs = append(errs, s.redisCache.Close())
	}
	if s.shutdownTelem != nil {
		errs = append(errs, s.shutdownTelem(ctx))
	}
	return errors.Join(errs...)
}
