package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/ticketwarden/internal/retention"
)

// Config adds application configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey      string
	ClaudeModel       string
	LLMTimeoutSeconds int
	LLMMaxRetries     int

	DatabaseURL       string
	SQLitePath        string
	RetentionSchedule string

	SearchEndpoint        string
	SearchIndex           string
	SearchAPIKey          string
	KBFile                string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	SearchCacheTTLSeconds int

	PolicyFile      string
	SlackWebhookURL string
	SecretsDir      string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted by /api/v1")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = resolve from secrets)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.LLMTimeoutSeconds, "llm-timeout-seconds", 30, "per-request timeout for LLM calls (1..300)")
	fs.IntVar(&c.LLMMaxRetries, "llm-max-retries", 2, "retries for failed LLM calls (0..10)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for decision records")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite file for decision records (empty with no database-url = in-memory store)")
	fs.StringVar(&c.RetentionSchedule, "retention-schedule", retention.DefaultSchedule, "5-field cron schedule for the expired record sweep")

	fs.StringVar(&c.SearchEndpoint, "search-endpoint", "", "knowledge base search service endpoint (empty = built-in knowledge base)")
	fs.StringVar(&c.SearchIndex, "search-index", "", "knowledge base search index name")
	fs.StringVar(&c.SearchAPIKey, "search-api-key", "", "knowledge base search API key (empty = resolve from secrets)")
	fs.StringVar(&c.KBFile, "kb-file", "", "YAML knowledge base file used when no search endpoint is set")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the retrieval cache (empty = no cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password (empty = resolve from secrets)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database (0..15)")
	fs.IntVar(&c.SearchCacheTTLSeconds, "search-cache-ttl-seconds", 900, "retrieval cache entry lifetime (1..86400)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy table (empty = built-in defaults)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for human-review notifications")
	fs.StringVar(&c.SecretsDir, "secrets-dir", "/run/secrets", "directory holding one file per secret")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// The key itself may come from secrets; the model may not
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.LLMTimeoutSeconds <= 0 || c.LLMTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..300)", c.LLMTimeoutSeconds))
	}
	if c.LLMMaxRetries < 0 || c.LLMMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_RETRIES %d (must be 0..10)", c.LLMMaxRetries))
	}

	// One durable store at most
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if _, err := retention.ParseSchedule(c.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid RETENTION_SCHEDULE: %w", err))
	}

	if c.SearchEndpoint != "" && c.SearchIndex == "" {
		errs = append(errs, errors.New("SEARCH_INDEX is required with SEARCH_ENDPOINT"))
	}
	if c.SearchEndpoint != "" && c.KBFile != "" {
		errs = append(errs, errors.New("SEARCH_ENDPOINT and KB_FILE are mutually exclusive"))
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be 0..15)", c.RedisDB))
	}
	if c.SearchCacheTTLSeconds <= 0 || c.SearchCacheTTLSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid SEARCH_CACHE_TTL_SECONDS %d (must be 1..86400)", c.SearchCacheTTLSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
