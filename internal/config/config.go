// Package config loads the server configuration from YAML with environment
// overrides, and supports an encrypted-at-rest variant for deployments that
// cannot keep a plaintext file on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all fathom server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Research ResearchConfig `yaml:"research"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures the session controller.
type SessionConfig struct {
	PromptTimeout     Duration `yaml:"prompt_timeout"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	CSRFTTL           Duration `yaml:"csrf_ttl"`
	LogSnapshotLimit  int      `yaml:"log_snapshot_limit"`
	ActivityCapacity  int      `yaml:"activity_capacity"`
}

// ResearchConfig configures the research pipeline.
type ResearchConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	MaxBreadth        int      `yaml:"max_breadth"`
	Concurrency       int      `yaml:"concurrency"`
	ResultsPerQuery   int      `yaml:"results_per_query"`
	MaxLearningsChars int      `yaml:"max_learnings_chars"`
	LLMTimeout        Duration `yaml:"llm_timeout"`
	WallClockBudget   Duration `yaml:"wall_clock_budget"`
	DefaultModel      string   `yaml:"default_model"`
}

// StorageConfig configures on-disk paths.
type StorageConfig struct {
	SecretsDir  string `yaml:"secrets_dir"`
	StatePath   string `yaml:"state_path"`
	HistoryPath string `yaml:"history_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // empty means stderr
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8787",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			PromptTimeout:     Duration(2 * time.Minute),
			InactivityTimeout: Duration(60 * time.Minute),
			SweepInterval:     Duration(5 * time.Minute),
			CSRFTTL:           Duration(12 * time.Hour),
			LogSnapshotLimit:  120,
			ActivityCapacity:  200,
		},
		Research: ResearchConfig{
			MaxDepth:          5,
			MaxBreadth:        10,
			ResultsPerQuery:   5,
			MaxLearningsChars: 8000,
			LLMTimeout:        Duration(90 * time.Second),
			WallClockBudget:   Duration(15 * time.Minute),
			DefaultModel:      "llama-3.3-70b",
		},
		Storage: StorageConfig{
			SecretsDir:  "data/users",
			StatePath:   "data/session-state.json",
			HistoryPath: "data/chat-history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path, layering it over defaults and applying
// environment overrides last. A missing file is not an error; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides individual settings from FATHOM_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FATHOM_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FATHOM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FATHOM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FATHOM_SECRETS_DIR"); v != "" {
		c.Storage.SecretsDir = v
	}
	if v := os.Getenv("FATHOM_STATE_PATH"); v != "" {
		c.Storage.StatePath = v
	}
	if v := os.Getenv("FATHOM_HISTORY_PATH"); v != "" {
		c.Storage.HistoryPath = v
	}
	if v := os.Getenv("FATHOM_RESEARCH_MODEL"); v != "" {
		c.Research.DefaultModel = v
	}
	if v := os.Getenv("FATHOM_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Research.MaxDepth = n
		}
	}
	if v := os.Getenv("FATHOM_MAX_BREADTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Research.MaxBreadth = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr required")
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
