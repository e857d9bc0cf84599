package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string `validate:"required,oneof=dev test staging prod"`
	HTTPAddr string `validate:"required"`

	// Postgres (pgxpool DSN)
	DBDSN          string `validate:"required"`
	MigrateOnStart bool

	// Redis
	RedisAddr      string `validate:"required,hostname_port"`
	RedisPass      string
	RedisDB        int `validate:"gte=0,lte=15"`
	RedisKeyPrefix string `validate:"required"`

	// RabbitMQ (cycle notifications; empty URL disables publishing)
	RabbitURL      string
	RabbitExchange string `validate:"required"`

	// Auth: a valid bearer token upgrades the visitor to an authenticated identity.
	JWTSecret      string
	JWTIssuer      string
	InternalSecret string

	// Rate limit on the record endpoint
	RLEnabled bool
	RLLimit   int           `validate:"gt=0"`
	RLWindow  time.Duration `validate:"gt=0"`

	Views ViewsConfig
}

type ViewsConfig struct {
	DedupWindow time.Duration `validate:"gt=0"`

	FlushInterval    time.Duration `validate:"gt=0"`
	FlushBudget      time.Duration `validate:"gt=0"`
	FlushWorkers     int           `validate:"gte=1,lte=256"`
	FlushMaxSubjects int           `validate:"gte=1"`
	FlushOpTimeout   time.Duration `validate:"gt=0"`
	// pending views at which a subject is flushed ahead of the cycle; 0 disables
	FlushThreshold   int           `validate:"gte=0"`

	SweepInterval     time.Duration `validate:"gt=0"`
	RawEventRetention time.Duration `validate:"gt=0"`
	FlushLogRetention time.Duration `validate:"gt=0"`
	SweepBatchSize    int           `validate:"gte=1"`
	SweepMaxBatches   int           `validate:"gte=1"`

	RawEventsEnabled   bool
	RawEventBuffer     int           `validate:"gte=1"`
	RawEventBatch      int           `validate:"gte=1"`
	RawEventFlushEvery time.Duration `validate:"gt=0"`

	RecordWorkers int           `validate:"gte=1"`
	RecordQueue   int           `validate:"gte=1"`
	RecordTimeout time.Duration `validate:"gt=0"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// --- Postgres: prefer DATABASE_URL, else build from POSTGRES_*
	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		cfg.DBDSN = buildPostgresURL(
			getEnv("POSTGRES_ADDR", ""),
			getEnv("POSTGRES_USER", ""),
			getEnv("POSTGRES_PASSWORD", ""),
			getEnv("POSTGRES_DB", ""),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}
	cfg.MigrateOnStart = getBool("MIGRATE_ON_START", true)

	// --- Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", "views")

	// --- RabbitMQ
	cfg.RabbitURL = firstNonEmpty(
		strings.TrimSpace(os.Getenv("RABBITMQ_URL")),
		strings.TrimSpace(os.Getenv("RABBIT_URL")),
	)
	cfg.RabbitExchange = firstNonEmpty(
		strings.TrimSpace(os.Getenv("RABBITMQ_EXCHANGE")),
		strings.TrimSpace(os.Getenv("RABBIT_EXCHANGE")),
		"jobs.views",
	)

	// --- Auth
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")
	cfg.InternalSecret = getEnv("INTERNAL_SECRET", "")

	// --- Rate limit
	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_REQUESTS_LIMIT", 300)
	cfg.RLWindow = time.Duration(getInt("RL_WINDOW_SECONDS", 60)) * time.Second

	// --- Views
	v := &cfg.Views
	v.DedupWindow = getDuration("VIEW_DEDUP_WINDOW", 24*time.Hour)
	v.FlushInterval = getDuration("FLUSH_INTERVAL", time.Hour)
	v.FlushBudget = getDuration("FLUSH_BUDGET", 5*time.Minute)
	v.FlushWorkers = getInt("FLUSH_WORKERS", 4)
	v.FlushMaxSubjects = getInt("FLUSH_MAX_SUBJECTS", 10000)
	v.FlushOpTimeout = getDuration("FLUSH_OP_TIMEOUT", 5*time.Second)
	v.FlushThreshold = getInt("FLUSH_THRESHOLD", 100)
	v.SweepInterval = getDuration("SWEEP_INTERVAL", 30*24*time.Hour)
	v.RawEventRetention = getDuration("RAW_EVENT_RETENTION", 90*24*time.Hour)
	v.FlushLogRetention = getDuration("FLUSH_LOG_RETENTION", 7*24*time.Hour)
	v.SweepBatchSize = getInt("SWEEP_BATCH_SIZE", 1000)
	v.SweepMaxBatches = getInt("SWEEP_MAX_BATCHES", 500)
	v.RawEventsEnabled = getBool("RAW_EVENTS_ENABLED", true)
	v.RawEventBuffer = getInt("RAW_EVENT_BUFFER", 4096)
	v.RawEventBatch = getInt("RAW_EVENT_BATCH", 200)
	v.RawEventFlushEvery = getDuration("RAW_EVENT_FLUSH_EVERY", 2*time.Second)
	v.RecordWorkers = getInt("RECORD_WORKERS", 8)
	v.RecordQueue = getInt("RECORD_QUEUE", 1024)
	v.RecordTimeout = getDuration("RECORD_TIMEOUT", 500*time.Millisecond)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) validate() error {
	if c.DBDSN == "" {
		return errors.New("missing database config: provide DATABASE_URL or POSTGRES_ADDR/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	// the lock TTL is derived from the budget; a budget longer than the interval would
	// let cycles overlap
	if c.Views.FlushBudget >= c.Views.FlushInterval {
		return fmt.Errorf("FLUSH_BUDGET (%s) must be shorter than FLUSH_INTERVAL (%s)", c.Views.FlushBudget, c.Views.FlushInterval)
	}
	if c.Views.FlushLogRetention < c.Views.FlushInterval {
		return fmt.Errorf("FLUSH_LOG_RETENTION (%s) must cover at least one FLUSH_INTERVAL (%s)", c.Views.FlushLogRetention, c.Views.FlushInterval)
	}
	if c.AppEnv != "dev" && c.AppEnv != "test" && c.InternalSecret == "" {
		return errors.New("missing INTERNAL_SECRET (required when APP_ENV is not dev/test)")
	}
	return nil
}

// buildPostgresURL builds a postgres URL DSN, escaping credentials.
func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	if s := strings.TrimSpace(sslmode); s != "" {
		u.RawQuery = url.Values{"sslmode": []string{s}}.Encode()
	}
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		switch strings.ToLower(v) {
		case "yes", "y", "on":
			return true
		case "no", "n", "off":
			return false
		}
		return def
	}
	return b
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
