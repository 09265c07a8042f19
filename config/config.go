// Package config provides configuration loading and management for the
// blueprint service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server ServerConfig          `yaml:"server"`
	Model  ModelConfig           `yaml:"model"`
	Steps  map[string]StepConfig `yaml:"steps"`
	Queue  QueueConfig           `yaml:"queue"`
	Store  StoreConfig           `yaml:"store"`
	Refine RefineConfig          `yaml:"refine"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
}

// ModelConfig configures the text-generation backend
type ModelConfig struct {
	// Provider selects the backend protocol (anthropic, openai, ollama)
	Provider string `yaml:"provider"`
	// Model is the model name (e.g., "qwen2.5-coder:32b")
	Model string `yaml:"model"`
	// Endpoint is the backend API endpoint
	Endpoint string `yaml:"endpoint"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps the response length per step
	MaxTokens int `yaml:"max_tokens"`
	// Timeout is the default per-attempt deadline for one step
	Timeout time.Duration `yaml:"timeout"`
}

// StepConfig overrides execution settings for steps matching its key. Keys
// are step IDs or glob patterns over step IDs ("ui_*", "{devops,security}_*").
type StepConfig struct {
	// Disabled skips matching steps entirely
	Disabled bool `yaml:"disabled"`
	// Timeout is the per-attempt deadline (zero = inherit model.timeout)
	Timeout time.Duration `yaml:"timeout"`
	// Retry names a retry preset: none, fast, aggressive
	Retry string `yaml:"retry"`
}

// QueueConfig configures the generation job registry
type QueueConfig struct {
	// TTL is how long finished jobs stay queryable
	TTL time.Duration `yaml:"ttl"`
	// Stubs selects the job stub backend: none, file, nats
	Stubs string `yaml:"stubs"`
	// SpoolDir is the stub spool directory for the file backend
	SpoolDir string `yaml:"spool_dir"`
	// NATSURL is the NATS server URL for the nats backend
	NATSURL string `yaml:"nats_url"`
}

// StoreConfig configures blueprint persistence
type StoreConfig struct {
	// Backend selects the blueprint store: memory, file
	Backend string `yaml:"backend"`
	// Dir is the blueprint directory for the file backend
	Dir string `yaml:"dir"`
}

// RefineConfig configures cascading refinement
type RefineConfig struct {
	// MaxCascadeDepth bounds cascade recursion (default: 3)
	MaxCascadeDepth int `yaml:"max_cascade_depth"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Provider:    "ollama",
			Model:       "qwen2.5-coder:32b",
			Endpoint:    "http://localhost:11434",
			Temperature: 0.2,
			MaxTokens:   8192,
			Timeout:     5 * time.Minute,
		},
		Steps: nil, // No overrides; steps inherit model.timeout with no retry
		Queue: QueueConfig{
			TTL:   15 * time.Minute,
			Stubs: "none",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Refine: RefineConfig{
			MaxCascadeDepth: 3,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	switch c.Queue.Stubs {
	case "", "none", "file", "nats":
	default:
		return fmt.Errorf("queue.stubs must be none, file, or nats")
	}
	if c.Queue.Stubs == "file" && c.Queue.SpoolDir == "" {
		return fmt.Errorf("queue.spool_dir is required for the file stub backend")
	}
	if c.Queue.Stubs == "nats" && c.Queue.NATSURL == "" {
		return fmt.Errorf("queue.nats_url is required for the nats stub backend")
	}
	switch c.Store.Backend {
	case "", "memory", "file":
	default:
		return fmt.Errorf("store.backend must be memory or file")
	}
	if c.Store.Backend == "file" && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required for the file backend")
	}
	for pattern, step := range c.Steps {
		if _, err := presetPolicy(step.Retry); err != nil {
			return fmt.Errorf("steps[%s]: %w", pattern, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}

	// Model
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Model != "" {
		c.Model.Model = other.Model.Model
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.MaxTokens != 0 {
		c.Model.MaxTokens = other.Model.MaxTokens
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	// Steps: later layers override whole entries per pattern
	if len(other.Steps) > 0 {
		if c.Steps == nil {
			c.Steps = make(map[string]StepConfig, len(other.Steps))
		}
		for pattern, step := range other.Steps {
			c.Steps[pattern] = step
		}
	}

	// Queue
	if other.Queue.TTL != 0 {
		c.Queue.TTL = other.Queue.TTL
	}
	if other.Queue.Stubs != "" {
		c.Queue.Stubs = other.Queue.Stubs
	}
	if other.Queue.SpoolDir != "" {
		c.Queue.SpoolDir = other.Queue.SpoolDir
	}
	if other.Queue.NATSURL != "" {
		c.Queue.NATSURL = other.Queue.NATSURL
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.Dir != "" {
		c.Store.Dir = other.Store.Dir
	}

	// Refine
	if other.Refine.MaxCascadeDepth != 0 {
		c.Refine.MaxCascadeDepth = other.Refine.MaxCascadeDepth
	}
}
