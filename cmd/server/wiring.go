package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/ticketwarden/internal/cfg"
	"github.com/linnemanlabs/ticketwarden/internal/kb/memkb"
	"github.com/linnemanlabs/ticketwarden/internal/kb/rediscache"
	"github.com/linnemanlabs/ticketwarden/internal/kb/search"
	"github.com/linnemanlabs/ticketwarden/internal/policy"
	"github.com/linnemanlabs/ticketwarden/internal/postgres"
	"github.com/linnemanlabs/ticketwarden/internal/secrets"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
	"github.com/linnemanlabs/ticketwarden/internal/triage/memstore"
	"github.com/linnemanlabs/ticketwarden/internal/triage/pgstore"
	"github.com/linnemanlabs/ticketwarden/internal/triage/sqlitestore"
)

// Secret names looked up when the matching flag is empty.
const (
	secretClaudeAPIKey  = "Claude-API-Key"
	secretSearchAPIKey  = "Search-API-Key"
	secretDatabaseURL   = "Database-URL"
	secretRedisPassword = "Redis-Password"
)

// resolvedSecrets holds credentials after flags and the secret chain.
type resolvedSecrets struct {
	ClaudeAPIKey  string
	SearchAPIKey  string
	DatabaseURL   string
	RedisPassword string
}

func newSecretProvider(c *vc.Config) secrets.Provider {
	return secrets.Chain{
		secrets.Dir{Path: c.SecretsDir},
		secrets.Env{Prefix: envPrefix},
	}
}

// resolveSecrets fills credentials from flags first, then p. Only the
// Claude key is mandatory.
func resolveSecrets(ctx context.Context, p secrets.Provider, c *vc.Config) (resolvedSecrets, error) {
	var (
		s   resolvedSecrets
		err error
	)
	if s.ClaudeAPIKey, err = secrets.Require(ctx, p, c.ClaudeAPIKey, secretClaudeAPIKey); err != nil {
		return s, err
	}
	if s.SearchAPIKey, err = secrets.Resolve(ctx, p, c.SearchAPIKey, secretSearchAPIKey); err != nil {
		return s, err
	}
	if s.DatabaseURL, err = secrets.Resolve(ctx, p, c.DatabaseURL, secretDatabaseURL); err != nil {
		return s, err
	}
	if s.RedisPassword, err = secrets.Resolve(ctx, p, c.RedisPassword, secretRedisPassword); err != nil {
		return s, err
	}
	return s, nil
}

// openStore picks postgres, then sqlite, then memory. The returned close
// function is never nil.
func openStore(ctx context.Context, c *vc.Config, databaseURL string, L log.Logger) (triage.Store, func(), error) {
	switch {
	case databaseURL != "":
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, pool.Close, nil

	case c.SQLitePath != "":
		st, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return st, func() {
			if err := st.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close sqlite store")
			}
		}, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), func() {}, nil
	}
}

// newRetriever builds the knowledge base retriever: the search service when
// configured, otherwise the static knowledge base, optionally behind redis.
func newRetriever(ctx context.Context, c *vc.Config, s resolvedSecrets, L log.Logger, reg prometheus.Registerer) (triage.Retriever, func(), error) {
	var (
		r       triage.Retriever
		closeFn = func() {}
	)

	switch {
	case c.SearchEndpoint != "":
		r = search.New(c.SearchEndpoint, c.SearchIndex, s.SearchAPIKey, nil)
		L.Info(ctx, "using search retriever", "endpoint", c.SearchEndpoint, "index", c.SearchIndex)
	case c.KBFile != "":
		kb, err := memkb.LoadFile(c.KBFile)
		if err != nil {
			return nil, nil, fmt.Errorf("knowledge base: %w", err)
		}
		r = kb
		L.Info(ctx, "using static knowledge base", "path", c.KBFile, "articles", kb.Len())
	default:
		kb := memkb.Default()
		r = kb
		L.Info(ctx, "using built-in knowledge base", "articles", kb.Len())
	}

	if c.RedisAddr != "" {
		rdb, err := rediscache.Dial(ctx, c.RedisAddr, s.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		ttl := time.Duration(c.SearchCacheTTLSeconds) * time.Second
		r = rediscache.New(r, rdb, ttl, L, rediscache.NewMetrics(reg))
		closeFn = func() {
			if err := rdb.Close(); err != nil {
				L.Error(context.Background(), err, "failed to close redis client")
			}
		}
		L.Info(ctx, "retrieval cache enabled", "redis_addr", c.RedisAddr, "ttl", ttl)
	}
	return r, closeFn, nil
}

// newPolicyEngine loads the policy table file, or the built-in table when none is set.
func newPolicyEngine(path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewDefault(), nil
	}
	table, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return policy.New(table)
}
