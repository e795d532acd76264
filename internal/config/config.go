// ABOUTME: Configuration loading and parsing for the identity engine
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNotInitialized is returned by Validate when a required setting is missing.
// The engine refuses every identity or protocol operation until it passes.
var ErrNotInitialized = errors.New("engine not initialized")

const (
	// DefaultReconciliationPeriod is how often pending tickets are checked.
	DefaultReconciliationPeriod = 10 * time.Second

	// DefaultMaxAttempts bounds transient failures before a ticket is marked failed.
	DefaultMaxAttempts = 5

	// DefaultRequestTimeout bounds a single issuer/verifier round trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultWorkFactor is the scrypt log2 work factor used to seal the keystore.
	DefaultWorkFactor = 18

	// SharedDirName is the default shared store directory under the store path.
	// Aliases are alphanumeric so it never collides with an identity directory.
	SharedDirName = ".shared"
)

// Config represents the complete engine configuration
type Config struct {
	Web3URL         string         `yaml:"web3_url" toml:"web3_url"`
	IssuerURL       string         `yaml:"issuer_url" toml:"issuer_url"`
	VerifierURL     string         `yaml:"verifier_url" toml:"verifier_url"`
	StorePath       string         `yaml:"store_path" toml:"store_path"`
	SharedStorePath string         `yaml:"shared_store_path" toml:"shared_store_path"`
	Tickets         TicketsConfig  `yaml:"tickets" toml:"tickets"`
	Keystore        KeystoreConfig `yaml:"keystore" toml:"keystore"`
	Logging         LoggingConfig  `yaml:"logging" toml:"logging"`
}

// TicketsConfig holds reconciliation timing configuration
type TicketsConfig struct {
	ReconciliationPeriod time.Duration `yaml:"-" toml:"-"`
	RequestTimeout       time.Duration `yaml:"-" toml:"-"`
	MaxAttempts          int           `yaml:"max_attempts" toml:"max_attempts"`

	// Raw string values for unmarshaling
	ReconciliationPeriodRaw string `yaml:"reconciliation_period" toml:"reconciliation_period"`
	RequestTimeoutRaw       string `yaml:"request_timeout" toml:"request_timeout"`
}

// KeystoreConfig holds keystore sealing parameters
type KeystoreConfig struct {
	WorkFactor int `yaml:"work_factor" toml:"work_factor"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional settings. The reconciliation period is left alone:
// a zero or negative period is a caller error, never silently clamped.
func (c *Config) applyDefaults() {
	if c.Tickets.MaxAttempts == 0 {
		c.Tickets.MaxAttempts = DefaultMaxAttempts
	}
	if c.Tickets.RequestTimeout == 0 {
		c.Tickets.RequestTimeout = DefaultRequestTimeout
	}
	if c.Keystore.WorkFactor == 0 {
		c.Keystore.WorkFactor = DefaultWorkFactor
	}
	if c.SharedStorePath == "" && c.StorePath != "" {
		c.SharedStorePath = filepath.Join(c.StorePath, SharedDirName)
	}
}

// Validate checks the preconditions every identity or protocol operation relies on:
// web3, issuer and verifier URLs, a store path, and a strictly positive period.
// Failures wrap ErrNotInitialized.
func (c *Config) Validate() error {
	urls := []struct {
		name  string
		value string
	}{
		{"web3_url", strings.TrimPrefix(c.Web3URL, "hidden:")},
		{"issuer_url", c.IssuerURL},
		{"verifier_url", c.VerifierURL},
	}
	for _, u := range urls {
		if u.value == "" {
			return fmt.Errorf("%w: %s is required", ErrNotInitialized, u.name)
		}
		parsed, err := url.Parse(u.value)
		if err != nil {
			return fmt.Errorf("%w: %s is not a valid URL: %v", ErrNotInitialized, u.name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%w: %s must use http or https scheme", ErrNotInitialized, u.name)
		}
	}

	if c.StorePath == "" {
		return fmt.Errorf("%w: store_path is required", ErrNotInitialized)
	}

	if c.Tickets.ReconciliationPeriod <= 0 {
		return fmt.Errorf("%w: tickets.reconciliation_period must be positive", ErrNotInitialized)
	}

	if c.Tickets.MaxAttempts < 0 {
		return fmt.Errorf("%w: tickets.max_attempts must not be negative", ErrNotInitialized)
	}

	if c.Keystore.WorkFactor < 0 || c.Keystore.WorkFactor > 30 {
		return fmt.Errorf("%w: keystore.work_factor must be between 1 and 30", ErrNotInitialized)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Tickets.ReconciliationPeriodRaw != "" {
		cfg.Tickets.ReconciliationPeriod, err = time.ParseDuration(cfg.Tickets.ReconciliationPeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing reconciliation_period %q: %w", cfg.Tickets.ReconciliationPeriodRaw, err)
		}
	}

	if cfg.Tickets.RequestTimeoutRaw != "" {
		cfg.Tickets.RequestTimeout, err = time.ParseDuration(cfg.Tickets.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Tickets.RequestTimeoutRaw, err)
		}
	}

	return nil
}

// New builds a validated Config from explicit values, the form mobile callers
// pass at initialization.
func New(web3URL, issuerURL, verifierURL, storePath string, period time.Duration) (*Config, error) {
	cfg := &Config{
		Web3URL:     web3URL,
		IssuerURL:   issuerURL,
		VerifierURL: verifierURL,
		StorePath:   storePath,
		Tickets: TicketsConfig{
			ReconciliationPeriod: period,
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
