// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	StoreDriver string
	Database    DatabaseConfig
	AMQPURL     string
	RedisURL    string
	Log         LogConfig
	Worker      WorkerConfig
	Webhooks    WebhookConfig
	Services    ExternalServices
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds the postgres connection string, preferring an explicit URL.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type LogConfig struct {
	Level string
	File  string
}

type WorkerConfig struct {
	Count            int
	BatchSize        int
	LeaseDuration    time.Duration
	PollInterval     time.Duration
	SendTimeout      time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffJitter    float64
	ReapInterval     time.Duration
	ReapBackoff      time.Duration
	HaltOnDeadLetter bool
}

type WebhookConfig struct {
	CalendarSecret string
	BillingSecret  string
	ClaimLease     time.Duration
	ReplayCacheTTL time.Duration
}

type ExternalServices struct {
	PaymentURL       string
	PaymentAPIKey    string
	ContentURL       string
	EmailProviderURL string
	SMSProviderURL   string
	ProviderAPIKey   string
	HTTPTimeout      time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on OS environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		HTTPAddr:    p.str("HTTP_ADDR", ":8080"),
		StoreDriver: p.str("STORE_DRIVER", "postgres"),
		Database: DatabaseConfig{
			URL:      p.str("DATABASE_URL", ""),
			Host:     p.str("DB_HOST", "localhost"),
			Port:     p.str("DB_PORT", "5432"),
			User:     p.str("DB_USER", "postgres"),
			Password: p.str("DB_PASSWORD", ""),
			Name:     p.str("DB_NAME", "reactivation"),
			SSLMode:  p.str("DB_SSLMODE", "disable"),
		},
		AMQPURL:  p.str("AMQP_URL", ""),
		RedisURL: p.str("REDIS_URL", ""),
		Log: LogConfig{
			Level: p.str("LOG_LEVEL", "info"),
			File:  p.str("LOG_FILE", ""),
		},
		Worker: WorkerConfig{
			Count:            p.int("WORKER_COUNT", 4),
			BatchSize:        p.int("WORKER_BATCH_SIZE", 10),
			LeaseDuration:    p.duration("LEASE_DURATION", 2*time.Minute),
			PollInterval:     p.duration("POLL_INTERVAL", time.Second),
			SendTimeout:      p.duration("SEND_TIMEOUT", 10*time.Second),
			MaxAttempts:      p.int("MAX_ATTEMPTS", 5),
			BackoffBase:      p.duration("BACKOFF_BASE", 30*time.Second),
			BackoffCap:       p.duration("BACKOFF_CAP", 960*time.Second),
			BackoffJitter:    p.float("BACKOFF_JITTER", 0.2),
			ReapInterval:     p.duration("REAP_INTERVAL", 15*time.Second),
			ReapBackoff:      p.duration("REAP_BACKOFF", 30*time.Second),
			HaltOnDeadLetter: p.bool("HALT_ON_DEAD_LETTER", true),
		},
		Webhooks: WebhookConfig{
			CalendarSecret: p.str("WEBHOOK_SECRET_CALENDAR", ""),
			BillingSecret:  p.str("WEBHOOK_SECRET_BILLING", ""),
			ClaimLease:     p.duration("WEBHOOK_CLAIM_LEASE", 30*time.Second),
			ReplayCacheTTL: p.duration("WEBHOOK_REPLAY_CACHE_TTL", 24*time.Hour),
		},
		Services: ExternalServices{
			PaymentURL:       p.str("PAYMENT_API_URL", ""),
			PaymentAPIKey:    p.str("PAYMENT_API_KEY", ""),
			ContentURL:       p.str("CONTENT_API_URL", ""),
			EmailProviderURL: p.str("EMAIL_PROVIDER_URL", ""),
			SMSProviderURL:   p.str("SMS_PROVIDER_URL", ""),
			ProviderAPIKey:   p.str("PROVIDER_API_KEY", ""),
			HTTPTimeout:      p.duration("EXTERNAL_HTTP_TIMEOUT", 10*time.Second),
		},
	}
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid configuration: STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("invalid configuration: WORKER_COUNT must be at least 1")
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("invalid configuration: WORKER_BATCH_SIZE must be at least 1")
	}
	if c.Worker.MaxAttempts < 0 {
		return fmt.Errorf("invalid configuration: MAX_ATTEMPTS cannot be negative")
	}
	if c.Worker.BackoffCap < c.Worker.BackoffBase {
		return fmt.Errorf("invalid configuration: BACKOFF_CAP must not be below BACKOFF_BASE")
	}
	if c.Worker.BackoffJitter < 0 || c.Worker.BackoffJitter >= 1 {
		return fmt.Errorf("invalid configuration: BACKOFF_JITTER must be in [0,1)")
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return v
}
