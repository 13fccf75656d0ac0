/*
config.go - Runtime configuration

PURPOSE:
  Collects every knob of the engine in one struct. Each field is a cobra
  persistent flag whose default comes from an ENGINE_* environment variable,
  so the same binary runs from a shell, a container or a systemd unit.

PRECEDENCE:
  flag > environment > built-in default

SEE ALSO:
  - app.go: Turns a Config into wired components
  - root.go: Registers the flags
*/
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/warp/inbound-engine/queue"
	"github.com/warp/inbound-engine/session"
)

// Queue backends.
const (
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Config is the full engine configuration.
type Config struct {
	Addr   string
	DBPath string

	QueueBackend string
	RedisAddr    string
	RedisPrefix  string

	SessionBackend string
	SessionTable   string
	SessionTTL     time.Duration

	WebhookSecret      string
	WebhookSecretParam string

	WorkflowURL string
	Workers     int
	ExecTimeout time.Duration
	AutoStart   bool

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Visibility  time.Duration
	Retention   time.Duration
	SweepEvery  time.Duration

	PricingFile string

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
}

// DefaultConfig returns the configuration with environment overrides
// applied.
func DefaultConfig() Config {
	p := queue.DefaultPolicy()
	return Config{
		Addr:   envString("ENGINE_ADDR", ":8080"),
		DBPath: envString("ENGINE_DB", "engine.db"),

		QueueBackend: envString("ENGINE_QUEUE", QueueSQLite),
		RedisAddr:    envString("ENGINE_REDIS_ADDR", "localhost:6379"),
		RedisPrefix:  envString("ENGINE_REDIS_PREFIX", "inbound"),

		SessionBackend: envString("ENGINE_SESSIONS", string(session.StoreTypeMemory)),
		SessionTable:   envString("ENGINE_SESSION_TABLE", ""),
		SessionTTL:     envDuration("ENGINE_SESSION_TTL", session.DefaultTTL),

		WebhookSecret:      envString("ENGINE_WEBHOOK_SECRET", ""),
		WebhookSecretParam: envString("ENGINE_WEBHOOK_SECRET_PARAM", ""),

		WorkflowURL: envString("ENGINE_WORKFLOW_URL", ""),
		Workers:     envInt("ENGINE_WORKERS", 4),
		ExecTimeout: envDuration("ENGINE_EXEC_TIMEOUT", 45*time.Second),
		AutoStart:   envBool("ENGINE_AUTOSTART", true),

		MaxAttempts: envInt("ENGINE_MAX_ATTEMPTS", p.MaxAttempts),
		BaseBackoff: envDuration("ENGINE_BASE_BACKOFF", p.BaseBackoff),
		MaxBackoff:  envDuration("ENGINE_MAX_BACKOFF", p.MaxBackoff),
		Visibility:  envDuration("ENGINE_VISIBILITY", p.Visibility),
		Retention:   envDuration("ENGINE_RETENTION", 24*time.Hour),
		SweepEvery:  envDuration("ENGINE_SWEEP_INTERVAL", time.Minute),

		PricingFile: envString("ENGINE_PRICING_FILE", ""),

		LogLevel:  envString("ENGINE_LOG_LEVEL", "info"),
		LogFormat: envString("ENGINE_LOG_FORMAT", "json"),

		AllowedOrigins: envList("ENGINE_ALLOWED_ORIGINS"),
	}
}

// BindFlags registers every field on fs, using the current values as
// defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address ($ENGINE_ADDR)")
	fs.StringVarP(&c.DBPath, "db", "d", c.DBPath, `SQLite database path, ":memory:" for in-memory ($ENGINE_DB)`)

	fs.StringVar(&c.QueueBackend, "queue", c.QueueBackend, "Queue backend: sqlite, redis or memory ($ENGINE_QUEUE)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address ($ENGINE_REDIS_ADDR)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "Redis key prefix ($ENGINE_REDIS_PREFIX)")

	fs.StringVar(&c.SessionBackend, "sessions", c.SessionBackend, "Session store: memory, redis or dynamodb ($ENGINE_SESSIONS)")
	fs.StringVar(&c.SessionTable, "session-table", c.SessionTable, "DynamoDB table for sessions ($ENGINE_SESSION_TABLE)")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "Default session TTL ($ENGINE_SESSION_TTL)")

	fs.StringVar(&c.WebhookSecret, "webhook-secret", c.WebhookSecret, "HMAC secret for webhook signatures ($ENGINE_WEBHOOK_SECRET)")
	fs.StringVar(&c.WebhookSecretParam, "webhook-secret-param", c.WebhookSecretParam, "SSM parameter holding the webhook secret ($ENGINE_WEBHOOK_SECRET_PARAM)")

	fs.StringVar(&c.WorkflowURL, "workflow-url", c.WorkflowURL, "Workflow endpoint; the dispatcher is disabled when empty ($ENGINE_WORKFLOW_URL)")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Dispatcher worker count ($ENGINE_WORKERS)")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "Workflow execution deadline ($ENGINE_EXEC_TIMEOUT)")
	fs.BoolVar(&c.AutoStart, "autostart", c.AutoStart, "Start the dispatcher with the server ($ENGINE_AUTOSTART)")

	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Attempts before dead-lettering ($ENGINE_MAX_ATTEMPTS)")
	fs.DurationVar(&c.BaseBackoff, "base-backoff", c.BaseBackoff, "First retry delay ($ENGINE_BASE_BACKOFF)")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", c.MaxBackoff, "Retry delay cap ($ENGINE_MAX_BACKOFF)")
	fs.DurationVar(&c.Visibility, "visibility", c.Visibility, "Claim visibility timeout ($ENGINE_VISIBILITY)")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "How long acked entries are kept ($ENGINE_RETENTION)")
	fs.DurationVar(&c.SweepEvery, "sweep-interval", c.SweepEvery, "Janitor interval ($ENGINE_SWEEP_INTERVAL)")

	fs.StringVar(&c.PricingFile, "pricing", c.PricingFile, "JSON pricing overrides ($ENGINE_PRICING_FILE)")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error ($ENGINE_LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or console ($ENGINE_LOG_FORMAT)")

	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "CORS origins ($ENGINE_ALLOWED_ORIGINS, comma separated)")
}

// Validate rejects combinations that cannot be wired.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case QueueSQLite, QueueRedis, QueueMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	switch session.StoreType(c.SessionBackend) {
	case session.StoreTypeMemory, session.StoreTypeRedis:
	case session.StoreTypeDynamoDB:
		if c.SessionTable == "" {
			return fmt.Errorf("--session-table is required for dynamodb sessions")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.SessionBackend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("--workers must be positive, got %d", c.Workers)
	}
	if c.SweepEvery <= 0 {
		return fmt.Errorf("--sweep-interval must be positive, got %s", c.SweepEvery)
	}
	if c.WebhookSecret != "" && c.WebhookSecretParam != "" {
		return fmt.Errorf("--webhook-secret and --webhook-secret-param are mutually exclusive")
	}
	return nil
}

// Policy is the queue retry policy described by c.
func (c Config) Policy() queue.Policy {
	return queue.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
		Visibility:  c.Visibility,
	}.Normalize()
}

// usesRedis reports whether any component needs a Redis client.
func (c Config) usesRedis() bool {
	return c.QueueBackend == QueueRedis || c.SessionBackend == string(session.StoreTypeRedis)
}

// usesAWS reports whether any component needs AWS credentials.
func (c Config) usesAWS() bool {
	return c.SessionBackend == string(session.StoreTypeDynamoDB) || c.WebhookSecretParam != ""
}

// =============================================================================
// ENVIRONMENT HELPERS
// =============================================================================

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
