package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"leadez/internal/domain"
)

// Config models leadez.yml.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline" json:"pipeline"`
	Sender   Sender   `yaml:"sender" json:"sender"`
	Tools    Tools    `yaml:"tools" json:"tools"`
	Server   Server   `yaml:"server" json:"server"`
	Logging  Logging  `yaml:"logging" json:"logging"`
}

// Pipeline holds the delivery queue and decision thresholds.
type Pipeline struct {
	BatchSize          int      `yaml:"batch_size" json:"batch_size"`
	MaxPerMinute       int      `yaml:"max_per_minute" json:"max_per_minute"`
	MinThreshold       int      `yaml:"min_threshold" json:"min_threshold"`
	MaxRetries         int      `yaml:"max_retries" json:"max_retries"`
	MinConfidenceScore int      `yaml:"min_confidence_score" json:"min_confidence_score"`
	LowWaterMark       int      `yaml:"low_water_mark" json:"low_water_mark"`
	FlushThreshold     int      `yaml:"flush_threshold" json:"flush_threshold"`
	LeadCount          int      `yaml:"lead_count" json:"lead_count"`
	EnrichLimit        int      `yaml:"enrich_limit" json:"enrich_limit"`
	GenerateWhenEmpty  bool     `yaml:"generate_when_empty" json:"generate_when_empty"`
	CycleInterval      Duration `yaml:"cycle_interval" json:"cycle_interval"`
	DryRun             bool     `yaml:"dry_run" json:"dry_run"`
}

type Sender struct {
	Kind           string            `yaml:"kind" json:"kind"`
	URL            string            `yaml:"url" json:"url,omitempty"`
	Secret         string            `yaml:"secret" json:"-"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	Channels       map[string]string `yaml:"channels" json:"channels,omitempty"`
}

type Tools struct {
	BaseURL        string `yaml:"base_url" json:"base_url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type Server struct {
	Addr      string `yaml:"addr" json:"addr"`
	BasePath  string `yaml:"base_path" json:"base_path"`
	// JWTSecret verifies bearer tokens; empty disables them, leaving API keys.
	JWTSecret string `yaml:"jwt_secret" json:"-"`
	DevLogin  bool   `yaml:"dev_login" json:"dev_login"`
}

type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Duration decodes Go duration strings such as "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

const (
	SenderLog     = "log"
	SenderWebhook = "webhook"
	SenderRouter  = "router"
)

// Validate checks every option without clamping.
func (c *Config) Validate() error {
	p := c.Pipeline
	for _, check := range []struct {
		field string
		value int
	}{
		{"pipeline.batch_size", p.BatchSize},
		{"pipeline.max_per_minute", p.MaxPerMinute},
		{"pipeline.min_threshold", p.MinThreshold},
		{"pipeline.max_retries", p.MaxRetries},
		{"pipeline.flush_threshold", p.FlushThreshold},
		{"pipeline.lead_count", p.LeadCount},
		{"pipeline.enrich_limit", p.EnrichLimit},
	} {
		if err := domain.RequirePositive(check.field, check.value); err != nil {
			return err
		}
	}
	if p.MinConfidenceScore < 0 || p.MinConfidenceScore > 100 {
		return &domain.ConfigurationError{Field: "pipeline.min_confidence_score", Reason: fmt.Sprintf("must be within 0..100, got %d", p.MinConfidenceScore)}
	}
	if p.LowWaterMark < 0 {
		return &domain.ConfigurationError{Field: "pipeline.low_water_mark", Reason: "must not be negative"}
	}
	if p.CycleInterval.Std() <= 0 {
		return &domain.ConfigurationError{Field: "pipeline.cycle_interval", Reason: "must be positive"}
	}
	switch c.Sender.Kind {
	case SenderLog:
	case SenderWebhook:
		if err := requireURL("sender.url", c.Sender.URL); err != nil {
			return err
		}
	case SenderRouter:
		if len(c.Sender.Channels) == 0 {
			return &domain.ConfigurationError{Field: "sender.channels", Reason: "required for router sender"}
		}
		for ch, u := range c.Sender.Channels {
			if _, err := domain.ParseChannel(ch); err != nil {
				return &domain.ConfigurationError{Field: "sender.channels", Reason: err.Error()}
			}
			if err := requireURL("sender.channels."+ch, u); err != nil {
				return err
			}
		}
	default:
		return &domain.ConfigurationError{Field: "sender.kind", Reason: fmt.Sprintf("unknown sender %q", c.Sender.Kind)}
	}
	if c.Server.DevLogin && strings.TrimSpace(c.Server.JWTSecret) == "" {
		return &domain.ConfigurationError{Field: "server.dev_login", Reason: "requires server.jwt_secret"}
	}
	if c.Tools.BaseURL != "" {
		if err := requireURL("tools.base_url", c.Tools.BaseURL); err != nil {
			return err
		}
	}
	return nil
}

func requireURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &domain.ConfigurationError{Field: field, Reason: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &domain.ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid url %q", raw)}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadez.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with lz init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
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

const defaultTemplate = `pipeline:
  batch_size: 50
  max_per_minute: 10
  min_threshold: 10
  max_retries: 3
  min_confidence_score: 55
  low_water_mark: 10
  flush_threshold: 25
  lead_count: 50
  enrich_limit: 50
  generate_when_empty: false
  cycle_interval: 30s
  dry_run: true

sender:
  kind: log
  timeout_seconds: 10

tools:
  timeout_seconds: 30

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  dev_login: false

logging:
  level: info
  format: text
`
