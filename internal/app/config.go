package app

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/gatekeep-io/gatekeep/internal/store"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`

	// Storage backend selection. STORE_BACKEND is "document" or
	// "relational"; STORE_CONN is a Redis address or PostgreSQL DSN
	// accordingly.
	StoreBackend string `envconfig:"STORE_BACKEND" default:"document"`
	StoreConn    string `envconfig:"STORE_CONN" default:"127.0.0.1:6379"`

	// RedisAddr is the broker for background jobs, independent of the
	// storage backend.
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	// DefaultRole, when set, is assigned to newly registered users.
	DefaultRole string `envconfig:"DEFAULT_ROLE"`

	// AdminTokenHash is the bcrypt hash of the admin API token. When
	// empty the admin API accepts any caller; set it everywhere outside
	// development.
	AdminTokenHash string `envconfig:"ADMIN_TOKEN_HASH"`

	RateLimit int `envconfig:"RATE_LIMIT" default:"100"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.StoreConfig(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StoreConfig resolves the storage backend union once, rejecting
// unsupported values instead of guessing.
func (c *Config) StoreConfig() (store.Config, error) {
	switch store.Backend(c.StoreBackend) {
	case store.BackendDocument, store.BackendRelational:
		return store.Config{Backend: store.Backend(c.StoreBackend), Connection: c.StoreConn}, nil
	default:
		return store.Config{}, fmt.Errorf("app: unsupported STORE_BACKEND %q", c.StoreBackend)
	}
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
