// Package config loads service configuration from the environment (and an
// optional .env file).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	InstanceID  string `mapstructure:"INSTANCE_ID"`

	AppID          string   `mapstructure:"APP_ID"`
	PublicURL      string   `mapstructure:"PUBLIC_URL"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	FirestoreProjectID       string `mapstructure:"FIRESTORE_PROJECT_ID"`
	FirestoreCredentialsFile string `mapstructure:"FIRESTORE_CREDENTIALS_FILE"`

	RedpandaBrokers []string `mapstructure:"REDPANDA_BROKERS"`
	FeedWorkers     int      `mapstructure:"FEED_WORKERS"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	SessionSecret  string        `mapstructure:"SESSION_SECRET"`
	SessionIssuer  string        `mapstructure:"SESSION_ISSUER"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	GoogleClientID string        `mapstructure:"GOOGLE_CLIENT_ID"`

	AnalysisURL     string        `mapstructure:"ANALYSIS_URL"`
	AnalysisTimeout time.Duration `mapstructure:"ANALYSIS_TIMEOUT"`

	OTLPEndpoint    string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`
}

var keys = []string{
	"ENV", "PORT", "SERVICE_NAME", "LOG_LEVEL", "INSTANCE_ID",
	"APP_ID", "PUBLIC_URL", "ALLOWED_ORIGINS",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"FIRESTORE_PROJECT_ID", "FIRESTORE_CREDENTIALS_FILE",
	"REDPANDA_BROKERS", "FEED_WORKERS",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
	"SESSION_SECRET", "SESSION_ISSUER", "SESSION_TTL", "GOOGLE_CLIENT_ID",
	"ANALYSIS_URL", "ANALYSIS_TIMEOUT",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATE",
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVICE_NAME", "curebird")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ID", "default-app-id")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("FEED_WORKERS", 8)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("SESSION_ISSUER", "curebird")
	v.SetDefault("SESSION_TTL", "168h")
	v.SetDefault("ANALYSIS_URL", "http://localhost:5000")
	v.SetDefault("ANALYSIS_TIMEOUT", "60s")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists arrive as a single string from the environment.
	cfg.AllowedOrigins = splitList(v.GetString("ALLOWED_ORIGINS"))
	cfg.RedpandaBrokers = splitList(v.GetString("REDPANDA_BROKERS"))

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "curebird"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// ChangeFeedEnabled reports whether changes travel between instances.
func (c *Config) ChangeFeedEnabled() bool {
	return c.StoreBackend == StorePostgres && len(c.RedpandaBrokers) > 0
}

// Validate checks that the configuration is complete for the chosen backend.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_BACKEND=memory is only allowed when ENV=development")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required when STORE_BACKEND is %q", StoreFirestore)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q", StoreMemory, StorePostgres, StoreFirestore, c.StoreBackend)
	}

	if c.AppID == "" || strings.Contains(c.AppID, "/") {
		return fmt.Errorf("APP_ID must be a non-empty path segment, got %q", c.AppID)
	}
	if c.SessionSecret == "" {
		if !c.IsDev() {
			return fmt.Errorf("SESSION_SECRET is required outside development")
		}
	} else if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	return nil
}
