// Package config loads the promptc configuration: YAML file with
// environment-variable overrides, validated fail-closed before anything
// starts serving.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"promptc/internal/budget"
)

// Config holds all promptc configuration.
type Config struct {
	// Provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Storage
	Store StoreConfig `yaml:"store"`

	// Contract catalog
	Contracts ContractsConfig `yaml:"contracts"`

	// Predict pipeline
	Predict PredictConfig `yaml:"predict"`

	// Execution kernel
	Kernel KernelConfig `yaml:"kernel"`

	// Evaluation
	Eval EvalConfig `yaml:"eval"`

	// Admin HTTP surface
	Admin AdminConfig `yaml:"admin"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures the model-calling collaborator.
type ProviderConfig struct {
	Name       string `yaml:"name"` // gemini, static
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	MaxRetries int    `yaml:"max_retries"`
	BackoffMs  int    `yaml:"backoff_ms"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ContractsConfig locates the signature catalog.
type ContractsConfig struct {
	Dir string `yaml:"dir"`
}

// PredictConfig tunes the predict pipeline.
type PredictConfig struct {
	DefaultRepairAttempts int           `yaml:"default_repair_attempts"`
	DefaultBudgets        budget.Limits `yaml:"default_budgets"`
}

// KernelConfig tunes the budgeted execution kernel. The per-run
// iteration and secondary-call ceilings live on artifact params; these
// are mechanics, not ceilings.
type KernelConfig struct {
	ExtractConcurrency int64 `yaml:"extract_concurrency"`
	PreviewBytes       int   `yaml:"preview_bytes"`
	MaxLoadBytes       int64 `yaml:"max_load_bytes"`
	BlobThreshold      int   `yaml:"blob_threshold"`
	MaxVarBytes        int   `yaml:"max_var_bytes"`
}

// EvalConfig tunes the evaluation runner.
type EvalConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// AdminConfig configures the admin HTTP listener.
type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// LoggingConfig configures the zap backend.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:       "gemini",
			Model:      "gemini-2.5-flash",
			MaxRetries: 2,
			BackoffMs:  250,
		},
		Store:     StoreConfig{DatabasePath: ".promptc/promptc.db"},
		Contracts: ContractsConfig{Dir: "contracts"},
		Predict:   PredictConfig{DefaultRepairAttempts: 2},
		Kernel: KernelConfig{
			ExtractConcurrency: 4,
			PreviewBytes:       1024,
			MaxLoadBytes:       64 * 1024,
			BlobThreshold:      2048,
			MaxVarBytes:        8 * 1024,
		},
		Eval: EvalConfig{Concurrency: 8},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8123",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
	if model := os.Getenv("PROMPTC_MODEL"); model != "" {
		c.Provider.Model = model
	}
	if path := os.Getenv("PROMPTC_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("PROMPTC_CONTRACTS"); dir != "" {
		c.Contracts.Dir = dir
	}
	if addr := os.Getenv("PROMPTC_ADMIN_ADDR"); addr != "" {
		c.Admin.Addr = addr
	}
	if token := os.Getenv("PROMPTC_ADMIN_TOKEN"); token != "" {
		c.Admin.Token = token
	}
	if level := os.Getenv("PROMPTC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if n := os.Getenv("PROMPTC_EVAL_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.Eval.Concurrency = v
		}
	}
}

// Validate rejects configurations that would fail later at runtime.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "gemini":
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider API key not configured (set GEMINI_API_KEY)")
		}
	case "static":
		// Offline mode for tests and dry runs, no key needed.
	default:
		return fmt.Errorf("invalid provider: %s (valid: gemini, static)", c.Provider.Name)
	}

	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store database_path not configured")
	}
	if c.Eval.Concurrency <= 0 {
		return fmt.Errorf("eval concurrency must be > 0")
	}
	if c.Admin.Addr != "" && c.Admin.Token == "" {
		return fmt.Errorf("admin listener configured without a token (set PROMPTC_ADMIN_TOKEN)")
	}

	// Budgeted-strategy defaults may be absent entirely (they then must
	// come from artifact params), but a partial declaration that would
	// fail mid-run is rejected here.
	if b := c.Predict.DefaultBudgets; b.MaxIterations < 0 || b.MaxSubLMCalls < 0 {
		return fmt.Errorf("default budgets must not be negative")
	}
	return nil
}
