package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisQueryCache caches query embeddings keyed by corpus and query text,
// promoted from an in-process sync.RWMutex map to a shared Redis cache so
// the cache survives process restarts and is shared across replicas.
type RedisQueryCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// RedisConfig configures the query-embedding cache and trace buffer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisQueryCache dials Redis and verifies connectivity with Ping.
func NewRedisQueryCache(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*RedisQueryCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis query cache ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisQueryCache{client: client, ttl: ttl}, nil
}

func (c *RedisQueryCache) key(corpusID, query string) string {
	return fmt.Sprintf("qembed:%s:%x", corpusID, hashQuery(query))
}

// Get returns a cached query embedding, if present.
func (c *RedisQueryCache) Get(ctx context.Context, corpusID, query string) ([]float32, bool) {
	val, err := c.client.Get(ctx, c.key(corpusID, query)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("redis_query_cache_get_error")
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(val, &vec); err != nil {
		log.Debug().Err(err).Msg("redis_query_cache_unmarshal_error")
		return nil, false
	}
	return vec, true
}

// Set caches a query embedding.
func (c *RedisQueryCache) Set(ctx context.Context, corpusID, query string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(corpusID, query), data, c.ttl).Err()
}

// SetTrace persists a run's JSON-encoded trace event list, keyed by run_id,
// for the GET /api/traces/latest contract. Satisfies trace.Mirror.
func (c *RedisQueryCache) SetTrace(ctx context.Context, runID string, eventsJSON []byte) error {
	return c.client.Set(ctx, traceKey(runID), eventsJSON, c.ttl).Err()
}

// GetTrace returns the raw JSON event list previously stored by SetTrace.
func (c *RedisQueryCache) GetTrace(ctx context.Context, runID string) ([]byte, bool) {
	val, err := c.client.Get(ctx, traceKey(runID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("redis_trace_get_error")
		}
		return nil, false
	}
	return val, true
}

func traceKey(runID string) string {
	return fmt.Sprintf("trace:%s", runID)
}

// SetLatestRunID records runID as the most recent closed trace for repo,
// backing GET /api/traces/latest?repo=... with no explicit run_id. Satisfies
// trace's optional latestSetter capability.
func (c *RedisQueryCache) SetLatestRunID(ctx context.Context, repo, runID string) error {
	return c.client.Set(ctx, latestRunKey(repo), runID, c.ttl).Err()
}

// GetLatestRunID returns the run_id last recorded for repo via SetLatestRunID.
func (c *RedisQueryCache) GetLatestRunID(ctx context.Context, repo string) (string, bool) {
	val, err := c.client.Get(ctx, latestRunKey(repo)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("redis_latest_run_get_error")
		}
		return "", false
	}
	return val, true
}

func latestRunKey(repo string) string {
	if repo == "" {
		repo = "_global"
	}
	return fmt.Sprintf("trace:latest:%s", repo)
}

// ConversationMessage is one turn persisted under a conversation_id.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendMessage appends msg to conversationID's history. Redis's RPUSH is
// atomic per key, which is what makes "single-writer per conversation_id"
// (the concurrency model's phrasing) hold without an explicit lock here.
func (c *RedisQueryCache) AppendMessage(ctx context.Context, conversationID string, msg ConversationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.RPush(ctx, conversationKey(conversationID), data).Err()
}

// GetHistory returns conversationID's messages in append order, and false if
// no history has ever been recorded for it (so callers can 404).
func (c *RedisQueryCache) GetHistory(ctx context.Context, conversationID string) ([]ConversationMessage, bool, error) {
	raw, err := c.client.LRange(ctx, conversationKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis conversation history: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	out := make([]ConversationMessage, 0, len(raw))
	for _, r := range raw {
		var msg ConversationMessage
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			return nil, false, fmt.Errorf("redis conversation history unmarshal: %w", err)
		}
		out = append(out, msg)
	}
	return out, true, nil
}

// DeleteHistory clears conversationID's history, reporting whether anything
// existed to delete.
func (c *RedisQueryCache) DeleteHistory(ctx context.Context, conversationID string) (bool, error) {
	n, err := c.client.Del(ctx, conversationKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis conversation history delete: %w", err)
	}
	return n > 0, nil
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s", conversationID)
}

// Close releases the underlying Redis client.
func (c *RedisQueryCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func hashQuery(q string) uint64 {
	// fnv-1a, good enough for a cache key (not a security boundary)
	var h uint64 = 14695981039346656037
	for i := 0; i < len(q); i++ {
		h ^= uint64(q[i])
		h *= 1099511628211
	}
	return h
}
