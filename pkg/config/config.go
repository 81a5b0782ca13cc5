package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/genqueue/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all genqueue configuration.
type Config struct {
	Providers   []ProviderConfig   `yaml:"providers"`
	Router      RouterConfig       `yaml:"router"`
	Queue       QueueConfig        `yaml:"queue"`
	Progress    ProgressConfig     `yaml:"progress"`
	Speculative SpeculativeConfig  `yaml:"speculative"`
	Audit       models.AuditConfig `yaml:"audit"`
	Cache       CacheConfig        `yaml:"cache"`
	Log         LogConfig          `yaml:"log"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a caller-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream completion backend.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Type         string        `yaml:"type"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

// QueueConfig controls the generation queue.
type QueueConfig struct {
	DefaultPriority     int           `yaml:"default_priority"`
	SpeculativePriority int           `yaml:"speculative_priority"`
	LogTimeout          time.Duration `yaml:"log_timeout"`
	CloseTimeout        time.Duration `yaml:"close_timeout"`
}

// ProgressConfig tunes the streaming progress heuristic.
type ProgressConfig struct {
	EstimatedLength int `yaml:"estimated_length"`
}

// SpeculativeConfig controls speculative pre-generation.
type SpeculativeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CacheConfig controls the transcript response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	DBPath  string        `yaml:"db_path"`
	TTL     time.Duration `yaml:"ttl"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			DefaultPriority:     10,
			SpeculativePriority: 100,
			LogTimeout:          5 * time.Second,
			CloseTimeout:        30 * time.Second,
		},
		Progress: ProgressConfig{
			EstimatedLength: 2000,
		},
		Speculative: SpeculativeConfig{
			Enabled: true,
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "genqueue-audit.db",
			RetentionDays: 30,
			Include:       []string{"transcripts", "responses", "metadata"},
			MaxBodySize:   64 * 1024,
		},
		Cache: CacheConfig{
			Enabled: false,
			DBPath:  "genqueue.db",
			TTL:     time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("provider %q: duplicate name", p.Name)
		}
		names[p.Name] = true
		if p.URL == "" {
			return fmt.Errorf("provider %q: url is required", p.Name)
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	for _, r := range c.Router.Routes {
		for _, t := range r.Targets {
			if !names[t.Provider] {
				return fmt.Errorf("route %q: unknown provider %q", r.Model, t.Provider)
			}
		}
	}
	if c.Progress.EstimatedLength < 0 {
		return fmt.Errorf("progress.estimated_length must not be negative")
	}
	return nil
}
