package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"flowlens/internal/backoff"
)

// Config models flowlens.yml.
type Config struct {
	PCE struct {
		URL       string `yaml:"url"`
		OrgID     string `yaml:"org_id"`
		APIKey    string `yaml:"api_key"`
		APISecret string `yaml:"api_secret"`
		Insecure  bool   `yaml:"insecure"`
	} `yaml:"pce"`
	Analysis struct {
		PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
		MaxAttempts         int  `yaml:"max_attempts"`
		MaxResults          int  `yaml:"max_results"`
		DownloadPageSize    int  `yaml:"download_page_size"`
		DeepAnalysis        bool `yaml:"deep_analysis"`
		LabelBasedRules     bool `yaml:"label_based_rules"`
	} `yaml:"analysis"`
	Retry struct {
		MaxRetries   int `yaml:"max_retries"`
		BaseDelayMS  int `yaml:"base_delay_ms"`
		JitterMaxMS  int `yaml:"jitter_max_ms"`
		BatchSize    int `yaml:"batch_size"`
		BatchPauseMS int `yaml:"batch_pause_ms"`
	} `yaml:"retry"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Analysis.PollIntervalSeconds = 5
	cfg.Analysis.MaxAttempts = 60
	cfg.Analysis.MaxResults = 10000
	cfg.Analysis.DownloadPageSize = 5000
	cfg.Analysis.DeepAnalysis = true
	cfg.Retry.MaxRetries = 5
	cfg.Retry.BaseDelayMS = 100
	cfg.Retry.JitterMaxMS = 100
	cfg.Retry.BatchSize = 10
	cfg.Retry.BatchPauseMS = 50
	cfg.Server.Addr = ":8484"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Analysis.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.analysis.poll_interval_seconds must not be negative")
	}
	if c.Analysis.MaxAttempts < 0 {
		return fmt.Errorf("config.analysis.max_attempts must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must not be negative")
	}
	if c.Retry.BatchSize < 0 {
		return fmt.Errorf("config.retry.batch_size must not be negative")
	}
	return nil
}

// ValidateRemote additionally requires the console connection settings;
// commands that only read the local database skip this.
func (c *Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.PCE.URL == "" {
		return fmt.Errorf("config.pce.url is required")
	}
	if c.PCE.OrgID == "" {
		return fmt.Errorf("config.pce.org_id is required")
	}
	return nil
}

// PollInterval returns the polling pause as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Analysis.PollIntervalSeconds) * time.Second
}

// RetryPolicy returns the lock/persistence retry schedule.
func (c *Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries: c.Retry.MaxRetries,
		Base:       time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		JitterMax:  time.Duration(c.Retry.JitterMaxMS) * time.Millisecond,
	}
}

// BatchPause returns the pause between flow insert batches.
func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.Retry.BatchPauseMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowlens.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with fl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// out keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pceURL, orgID string) string {
	return fmt.Sprintf(defaultTemplate, pceURL, orgID)
}

const defaultTemplate = `pce:
  url: %s
  org_id: "%s"
  api_key: ""
  api_secret: ""
  insecure: false

analysis:
  poll_interval_seconds: 5
  max_attempts: 60
  max_results: 10000
  download_page_size: 5000
  deep_analysis: true
  label_based_rules: false

retry:
  max_retries: 5
  base_delay_ms: 100
  jitter_max_ms: 100
  batch_size: 10
  batch_pause_ms: 50

server:
  addr: ":8484"
  jwt_secret: ""
`
