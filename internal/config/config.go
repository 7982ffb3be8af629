package config

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ConfigPathEnv names the environment variable holding an optional YAML config file path.
const ConfigPathEnv = "CHILD_FINDER_CONFIG"

type Config struct {
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Index     IndexConfig     `yaml:"index" envconfig:"INDEX"`
	Matching  MatchingConfig  `yaml:"matching" envconfig:"MATCH"`
	Retention RetentionConfig `yaml:"retention" envconfig:"RETENTION"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Embedding EmbeddingConfig `yaml:"embedding" envconfig:"EMBEDDING"`
	Notify    NotifyConfig    `yaml:"notify" envconfig:"NOTIFY"`
	Web       WebConfig       `yaml:"web" envconfig:"WEB"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`                               // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"` // Maximum open connections (default 25)
	MaxIdleConns int    `yaml:"max_idle_conns" split_words:"true"` // Maximum idle connections (default 5)
}

type IndexConfig struct {
	Path string `yaml:"path"` // Path of the persisted HNSW index file
	Dim  int    `yaml:"dim"`  // Embedding dimension (512)
}

// MatchingConfig holds the identification thresholds. Threshold is used by the
// interactive path, BatchThreshold by cross-request batch identification.
type MatchingConfig struct {
	Threshold      float64 `yaml:"threshold"`
	BatchThreshold float64 `yaml:"batch_threshold" split_words:"true"`
	MaxCandidates  int     `yaml:"max_candidates" split_words:"true"`
	Concurrency    int     `yaml:"concurrency"`
}

type RetentionConfig struct {
	Days       int           `yaml:"days"`
	Passes     int           `yaml:"passes"`
	Schedule   string        `yaml:"schedule"` // "monthly" or "interval"
	DayOfMonth int           `yaml:"day_of_month" split_words:"true"`
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start" split_words:"true"`
}

type StorageConfig struct {
	ImageDir      string `yaml:"image_dir" split_words:"true"`
	EncryptionKey string `yaml:"encryption_key" split_words:"true"` // hex encoded, 32 bytes
}

// Key decodes the blob encryption key.
func (c *StorageConfig) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, errors.New("STORAGE_ENCRYPTION_KEY not set")
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding STORAGE_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("STORAGE_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

type EmbeddingConfig struct {
	URL     string        `yaml:"url"` // defaults to http://localhost:8000
	Timeout time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	WebhookURL    string  `yaml:"webhook_url" split_words:"true"`
	CountryCode   string  `yaml:"country_code" split_words:"true"` // prefix for local numbers
	RatePerMinute float64 `yaml:"rate_per_minute" split_words:"true"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"` // comma-separated in the environment
	APIToken       string   `yaml:"api_token" envconfig:"API_TOKEN"`    // empty disables bearer auth
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load builds the configuration from the embedded defaults, an optional YAML
// file and the environment, in that order of precedence (later wins).
// An empty path falls back to $CHILD_FINDER_CONFIG.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is from trusted flag or env
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that would otherwise surface as confusing runtime errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Matching.Threshold < -1 || c.Matching.Threshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be within [-1, 1], got %v", c.Matching.Threshold))
	}
	if c.Matching.BatchThreshold < -1 || c.Matching.BatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_BATCH_THRESHOLD must be within [-1, 1], got %v", c.Matching.BatchThreshold))
	}
	if c.Matching.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_CANDIDATES must be positive, got %d", c.Matching.MaxCandidates))
	}
	if c.Index.Dim < 1 {
		errs = append(errs, fmt.Errorf("INDEX_DIM must be positive, got %d", c.Index.Dim))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, fmt.Errorf("RETENTION_DAYS must not be negative, got %d", c.Retention.Days))
	}
	if c.Retention.Passes < 1 {
		errs = append(errs, fmt.Errorf("RETENTION_PASSES must be at least 1, got %d", c.Retention.Passes))
	}
	switch c.Retention.Schedule {
	case "monthly":
		if c.Retention.DayOfMonth < 1 || c.Retention.DayOfMonth > 28 {
			errs = append(errs, fmt.Errorf("RETENTION_DAY_OF_MONTH must be within [1, 28], got %d", c.Retention.DayOfMonth))
		}
	case "interval":
		if c.Retention.Interval <= 0 {
			errs = append(errs, fmt.Errorf("RETENTION_INTERVAL must be positive, got %s", c.Retention.Interval))
		}
	default:
		errs = append(errs, fmt.Errorf("RETENTION_SCHEDULE must be monthly or interval, got %q", c.Retention.Schedule))
	}
	return errors.Join(errs...)
}
