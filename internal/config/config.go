package config

import (
	"errors"
	"fmt"
	"strings"
)

// DatabaseConfig holds the connection settings for the vector-capable
// relational store shared by the vector and feedback layers.
type DatabaseConfig struct {
	URL string `env:"DATABASE_URL" yaml:"url"`
}

// CollectionConfig names the logical namespaces used by the store.
// Separate read/write collections enable blue/green re-embedding: ingest
// into the write collection while queries keep serving the read one.
type CollectionConfig struct {
	Write string `env:"RAG_COLLECTION_WRITE" envDefault:"knowledge_v1" yaml:"write"`
	Read  string `env:"RAG_COLLECTION_READ" envDefault:"knowledge_v1" yaml:"read"`
}

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Model         string  `env:"EMBED_MODEL" envDefault:"text-embedding-3-small" yaml:"model"`
	Provider      string  `env:"EMBED_PROVIDER" envDefault:"auto" yaml:"provider"`
	Dimension     int     `env:"EMBED_DIM" envDefault:"1536" yaml:"dimension"`
	APIKey        string  `env:"EMBED_API_KEY" yaml:"api_key"`
	BaseURL       string  `env:"EMBED_BASE_URL" yaml:"base_url"`
	BatchSize     int     `env:"EMBED_BATCH_SIZE" envDefault:"128" yaml:"batch_size"`
	TimeoutSecs   float64 `env:"EMBED_TIMEOUT_SECONDS" envDefault:"60" yaml:"timeout_seconds"`
	RetryAttempts int     `env:"EMBED_RETRY_ATTEMPTS" envDefault:"3" yaml:"retry_attempts"`
	Lenient       bool    `env:"EMBED_LENIENT" yaml:"lenient"`
}

// SearchConfig bounds query-time behavior of the store and retriever.
type SearchConfig struct {
	MaxTopK         int    `env:"RAG_MAX_TOPK" envDefault:"50" yaml:"max_top_k"`
	HNSWM           int    `env:"RAG_HNSW_M" envDefault:"16" yaml:"hnsw_m"`
	HNSWEfConstruct int    `env:"RAG_HNSW_EF_CONSTRUCTION" envDefault:"256" yaml:"hnsw_ef_construction"`
	EfSearchBase    int    `env:"RAG_EF_SEARCH_BASE" envDefault:"64" yaml:"ef_search_base"`
	EfSearchMax     int    `env:"RAG_EF_SEARCH_MAX" envDefault:"128" yaml:"ef_search_max"`
	VectorBackend   string `env:"VECTOR_BACKEND" envDefault:"pgvector" yaml:"vector_backend"`
	QdrantURL       string `env:"QDRANT_URL" envDefault:"http://localhost:6334" yaml:"qdrant_url"`
}

// RerankConfig controls the cross-encoder stage.
type RerankConfig struct {
	Enabled   bool    `env:"RAG_CROSS_ENCODER_ON" envDefault:"true" yaml:"enabled"`
	Model     string  `env:"RAG_CROSS_ENCODER_MODEL" envDefault:"BAAI/bge-reranker-small" yaml:"model"`
	URL       string  `env:"RAG_CROSS_ENCODER_URL" yaml:"url"`
	TopK      int     `env:"RAG_CROSS_ENCODER_TOP_K" envDefault:"5" yaml:"top_k"`
	Threshold float64 `env:"RAG_CROSS_ENCODER_THRESHOLD" envDefault:"0.3" yaml:"threshold"`
}

// FeedbackConfig tunes the feedback-aware score adjustment.
type FeedbackConfig struct {
	Weight           float64 `env:"FEEDBACK_WEIGHT" envDefault:"0.3" yaml:"weight"`
	MinBoost         float64 `env:"FEEDBACK_MIN_BOOST" envDefault:"-0.5" yaml:"min_boost"`
	MaxBoost         float64 `env:"FEEDBACK_MAX_BOOST" envDefault:"0.5" yaml:"max_boost"`
	Adaptive         bool    `env:"FEEDBACK_ADAPTIVE" envDefault:"true" yaml:"adaptive"`
	MinForFullWeight int     `env:"FEEDBACK_MIN_FOR_FULL_WEIGHT" envDefault:"10" yaml:"min_for_full_weight"`
	RetentionDays    int     `env:"FEEDBACK_RETENTION_DAYS" envDefault:"180" yaml:"retention_days"`
}

// RouterConfig controls the intent router.
type RouterConfig struct {
	EmbeddingModel      string  `env:"ROUTER_EMBEDDING_MODEL" yaml:"embedding_model"`
	ConfidenceThreshold float64 `env:"ROUTER_CONFIDENCE_THRESHOLD" envDefault:"0.75" yaml:"confidence_threshold"`
	UseLLMFallback      bool    `env:"ROUTER_LLM_FALLBACK" envDefault:"true" yaml:"use_llm_fallback"`
	CacheDir            string  `env:"ROUTER_CACHE_DIR" yaml:"cache_dir"`
}

// LLMConfig points at the OpenAI-compatible generator used by the
// router fallback and by prompt-formatter consumers.
type LLMConfig struct {
	BaseURL string `env:"LLM_BASE_URL" yaml:"base_url"`
	APIKey  string `env:"LLM_API_KEY" yaml:"api_key"`
	Model   string `env:"LLM_MODEL" envDefault:"gpt-4o-mini" yaml:"model"`
}

// TelemetryConfig controls OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `env:"OTEL_ENABLED" yaml:"enabled"`
	Endpoint    string `env:"OTEL_ENDPOINT" yaml:"endpoint"`
	Insecure    bool   `env:"OTEL_INSECURE" yaml:"insecure"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"opsrag" yaml:"service_name"`
}

// Config is the root configuration for the engine.
type Config struct {
	Database    DatabaseConfig   `yaml:"database"`
	Collections CollectionConfig `yaml:"collections"`
	Embedding   EmbeddingConfig  `yaml:"embedding"`
	Search      SearchConfig     `yaml:"search"`
	Rerank      RerankConfig     `yaml:"rerank"`
	Feedback    FeedbackConfig   `yaml:"feedback"`
	Router      RouterConfig     `yaml:"router"`
	LLM         LLMConfig        `yaml:"llm"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	RedisURL    string           `env:"REDIS_URL" yaml:"redis_url"`
	LogLevel    string           `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding batch size must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Search.MaxTopK <= 0 {
		errs = append(errs, fmt.Errorf("max_top_k must be positive, got %d", c.Search.MaxTopK))
	}
	if c.Search.EfSearchBase > c.Search.EfSearchMax {
		errs = append(errs, fmt.Errorf("ef_search_base %d exceeds ef_search_max %d", c.Search.EfSearchBase, c.Search.EfSearchMax))
	}
	switch strings.ToLower(c.Search.VectorBackend) {
	case "pgvector", "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Search.VectorBackend))
	}
	if strings.EqualFold(c.Search.VectorBackend, "pgvector") && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the pgvector backend"))
	}
	if c.Feedback.MinBoost > c.Feedback.MaxBoost {
		errs = append(errs, fmt.Errorf("feedback min_boost %v exceeds max_boost %v", c.Feedback.MinBoost, c.Feedback.MaxBoost))
	}
	if c.Collections.Write == "" || c.Collections.Read == "" {
		errs = append(errs, errors.New("collection names must not be empty"))
	}
	return errors.Join(errs...)
}
