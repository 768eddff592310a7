// Package config holds the study configuration: which domains are measured,
// where records are stored and how the resolver and tracker behave.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/entrhq/webscience/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration of one study
type Config struct {
	// Study identity and measured domains
	Study StudyConfig `yaml:"study" json:"study"`

	// Record storage
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Link resolution
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`

	// Page attention tracking
	Attention AttentionConfig `yaml:"attention" json:"attention"`

	// Measurement modules
	Navigation    NavigationConfig    `yaml:"navigation" json:"navigation"`
	LinkExposure  LinkExposureConfig  `yaml:"link_exposure" json:"link_exposure"`
	SocialSharing SocialSharingConfig `yaml:"social_sharing" json:"social_sharing"`

	// Automation browser used by the run command
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// StudyConfig names the study and the domains it measures
type StudyConfig struct {
	Name    string   `yaml:"name" json:"name"`
	Domains []string `yaml:"domains" json:"domains"`
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"` // memory, file or sqlite
	Path    string `yaml:"path" json:"path"`
}

// ResolverConfig configures redirect resolution
type ResolverConfig struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout"` // per hop
	MaxHops     int           `yaml:"max_hops" json:"max_hops"`
	UserAgent   string        `yaml:"user_agent" json:"user_agent"`
	Method      string        `yaml:"method" json:"method"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"` // parallel resolutions per link batch
}

// AttentionConfig configures the page tracker
type AttentionConfig struct {
	RequireUserActive bool `yaml:"require_user_active" json:"require_user_active"`
	PrivateWindows    bool `yaml:"private_windows" json:"private_windows"`
}

// NavigationConfig configures the navigation module
type NavigationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// LinkExposureConfig configures the link exposure module
type LinkExposureConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	ResolveShortened bool `yaml:"resolve_shortened" json:"resolve_shortened"`

	// LinkDomains are the link destinations of interest. Empty means the study domains.
	LinkDomains []string `yaml:"link_domains" json:"link_domains"`
}

// SocialSharingConfig configures share detection
type SocialSharingConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Platforms []string `yaml:"platforms" json:"platforms"` // empty means all known platforms
}

// BrowserConfig configures the automation browser
type BrowserConfig struct {
	Headless  bool          `yaml:"headless" json:"headless"`
	StartURLs []string      `yaml:"start_urls" json:"start_urls"`
	Dwell     time.Duration `yaml:"dwell" json:"dwell"` // time spent on each start URL
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns a configuration suitable for most studies
func DefaultConfig() *Config {
	return &Config{
		Study: StudyConfig{
			Name: "webscience",
		},
		Storage: StorageConfig{
			Backend: storage.KindMemory,
		},
		Resolver: ResolverConfig{
			Timeout:     linkresolution.DefaultFetchTimeout,
			MaxHops:     linkresolution.DefaultMaxHops,
			UserAgent:   linkresolution.DefaultUserAgent,
			Method:      "GET",
			Concurrency: 4,
		},
		Navigation: NavigationConfig{
			Enabled: true,
		},
		LinkExposure: LinkExposureConfig{
			Enabled:          true,
			ResolveShortened: true,
		},
		SocialSharing: SocialSharingConfig{
			Enabled: false,
		},
		Browser: BrowserConfig{
			Headless: true,
			Dwell:    5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Study.Name == "" {
		return fmt.Errorf("study name is required")
	}

	if len(c.Study.Domains) == 0 {
		return fmt.Errorf("at least one study domain is required")
	}

	switch c.Storage.Backend {
	case storage.KindMemory:
	case storage.KindFile, storage.KindSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be 'memory', 'file' or 'sqlite')", c.Storage.Backend)
	}

	if c.Resolver.Timeout < 0 {
		return fmt.Errorf("resolver timeout cannot be negative")
	}

	if c.Resolver.MaxHops < 1 {
		return fmt.Errorf("resolver max_hops must be at least 1")
	}

	if c.Resolver.Concurrency < 1 {
		return fmt.Errorf("resolver concurrency must be at least 1")
	}

	if c.Resolver.Method != "GET" && c.Resolver.Method != "HEAD" {
		return fmt.Errorf("invalid resolver method: %s (must be 'GET' or 'HEAD')", c.Resolver.Method)
	}

	if c.Browser.Dwell < 0 {
		return fmt.Errorf("browser dwell cannot be negative")
	}

	// Set default level if not specified
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	return nil
}

// LinkDomains returns the link destinations the link exposure module records.
func (c *Config) LinkDomains() []string {
	if len(c.LinkExposure.LinkDomains) > 0 {
		return c.LinkExposure.LinkDomains
	}
	return c.Study.Domains
}
