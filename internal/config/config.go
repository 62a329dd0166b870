// Package config holds the orchestrator's runtime settings, loaded from
// flags, environment and an optional config file through viper.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config models the orchestrator configuration.
type Config struct {
	// DataDir holds the sqlite database and the queue's stream storage.
	DataDir string `mapstructure:"data_dir"`

	// HTTPAddr is the callback server listen address.
	HTTPAddr string `mapstructure:"http_addr"`

	// BaseURL is the externally reachable URL providers use for callbacks.
	BaseURL string `mapstructure:"base_url"`

	// CallbackSecret signs callback tokens. Generated and persisted in
	// DataDir when empty.
	CallbackSecret string `mapstructure:"callback_secret"`

	// Workers is the queue worker pool size.
	Workers int `mapstructure:"workers"`

	// LeaseTTL bounds how long a crashed instance can hold a document lock.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// ProviderTimeout bounds a single provider HTTP call.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	// SecretKeeperURL opens the gocloud secrets keeper used to resolve
	// secret-reference provider auth codes. Empty disables resolution.
	SecretKeeperURL string `mapstructure:"secret_keeper_url"`

	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from viper's bound sources.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills derivable defaults.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	return nil
}

// DatabasePath returns the sqlite database file path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "orchestrator.db")
}

// QueueDir returns the stream storage directory.
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queue")
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.QueueDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// ResolveCallbackSecret returns the configured signing secret, generating
// and persisting one under DataDir on first use so callback tokens stay
// valid across restarts.
func (c *Config) ResolveCallbackSecret() ([]byte, error) {
	if c.CallbackSecret != "" {
		return []byte(c.CallbackSecret), nil
	}
	path := filepath.Join(c.DataDir, "callback.key")
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return b, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate callback secret: %w", err)
	}
	encoded := []byte(hex.EncodeToString(secret))
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("persist callback secret: %w", err)
	}
	return encoded, nil
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".orchestrator")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("workers", 4)
	v.SetDefault("lease_ttl", time.Minute)
	v.SetDefault("provider_timeout", 30*time.Second)
}
