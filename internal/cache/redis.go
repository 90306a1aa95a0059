package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis shares the query-embedding cache across replicas. Entries carry
// a TTL so a re-embed with a new model ages out naturally.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedis builds a Redis-backed cache from a URL
// (redis://host:port/db). TTL defaults to one hour.
func NewRedis(url string, ttl time.Duration, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{
		client: redis.NewClient(opts),
		prefix: "opsrag:embed:",
		ttl:    ttl,
		log:    log.With().Str("component", "embed-cache").Logger(),
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.Debug().Err(err).Msg("cache get failed")
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (r *Redis) Put(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		r.log.Debug().Err(err).Msg("cache put failed")
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
