// Package rediscache decorates a triage.Retriever with a Redis read-through cache.
package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// DefaultTTL bounds how stale a cached result may be.
const DefaultTTL = 15 * time.Minute

const keyPrefix = "ticketwarden:kb:v1:"

// Cmdable is the subset of the go-redis client the cache needs.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Dial connects to Redis and verifies it answers PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Retriever serves searches from Redis and falls through to the wrapped
// Retriever on a miss. Redis failures degrade to uncached searches.
type Retriever struct {
	next    triage.Retriever
	rdb     Cmdable
	ttl     time.Duration
	logger  log.Logger
	metrics *Metrics
}

// New wraps next. A ttl <= 0 uses DefaultTTL.
func New(next triage.Retriever, rdb Cmdable, ttl time.Duration, logger log.Logger, m *Metrics) *Retriever {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Retriever{next: next, rdb: rdb, ttl: ttl, logger: logger, metrics: m}
}

// Search implements triage.Retriever. Only successful searches are cached.
func (r *Retriever) Search(ctx context.Context, q triage.SearchQuery) ([]triage.Document, error) {
	key := Key(q)

	raw, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		docs, jerr := decode(raw)
		if jerr == nil {
			r.count("hit")
			return docs, nil
		}
		r.count("miss")
		r.logger.Warn(ctx, "discarding undecodable cache entry", "key", key, "err", jerr.Error())
	case errors.Is(err, redis.Nil):
		r.count("miss")
	default:
		// a read failure is neither a hit nor a miss
		r.count("error")
		r.logger.Warn(ctx, "kb cache read failed", "key", key, "err", err.Error())
	}

	docs, err := r.next.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(docs)
	if err != nil {
		return docs, nil
	}
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		r.count("error")
		r.logger.Warn(ctx, "kb cache write failed", "key", key, "err", err.Error())
	}
	return docs, nil
}

func decode(raw []byte) ([]triage.Document, error) {
	docs := []triage.Document{}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []triage.Document{}
	}
	return docs, nil
}

func (r *Retriever) count(result string) {
	if r.metrics != nil {
		r.metrics.Lookups.WithLabelValues(result).Inc()
	}
}

// Key derives the cache key for q.
func Key(q triage.SearchQuery) string {
	h := sha256.New()
	for _, part := range []string{q.Text, q.Department, q.Team, strconv.Itoa(q.TopK)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Metrics counts cache lookups.
type Metrics struct {
	Lookups *prometheus.CounterVec
}

// NewMetrics registers the cache counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketwarden_kb_cache_lookups_total",
			Help: "Knowledge base cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Lookups)
	return m
}
