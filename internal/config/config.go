// Package config holds all redcortex configuration, loaded from a YAML file
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Framework FrameworkConfig `yaml:"framework"`
	Audit     AuditConfig     `yaml:"audit"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// PipelineConfig configures the analysis pipeline.
type PipelineConfig struct {
	// StorePath is the SQLite database holding runs and stage results.
	StorePath string `yaml:"store_path"`

	// FeasibilityWorkers bounds parallel hypothesis scoring.
	FeasibilityWorkers int `yaml:"feasibility_workers"`

	// StageTimeout bounds each reasoning stage.
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// GatewayConfig configures the policy gateway.
type GatewayConfig struct {
	// DefaultDeadline bounds a single tool invocation when the request does
	// not carry its own deadline.
	DefaultDeadline time.Duration `yaml:"default_deadline"`

	// MaxRunningPerProject is the hard ceiling on concurrently Running
	// invocations per project, independent of per-tool caps.
	MaxRunningPerProject int `yaml:"max_running_per_project"`

	// DefaultRatePerMinute applies when a scope policy has no rate cap.
	DefaultRatePerMinute int `yaml:"default_rate_per_minute"`
}

// OracleConfig configures the reasoning oracle endpoint.
type OracleConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// FrameworkConfig configures the external offensive-framework bridge.
type FrameworkConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig configures the audit log sink.
type AuditConfig struct {
	SinkPath string `yaml:"sink_path"`
}

// PolicyConfig locates the platform-owned policy file.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "redcortex",
		Version: "0.1.0",
		Pipeline: PipelineConfig{
			StorePath:          "redcortex.db",
			FeasibilityWorkers: 8,
			StageTimeout:       2 * time.Minute,
		},
		Gateway: GatewayConfig{
			DefaultDeadline:      5 * time.Minute,
			MaxRunningPerProject: 4,
			DefaultRatePerMinute: 30,
		},
		Oracle: OracleConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Model:   "gemini-3-flash-preview",
			Timeout: 2 * time.Minute,
		},
		Framework: FrameworkConfig{
			BaseURL: "http://127.0.0.1:55553",
			Timeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			SinkPath: "audit.jsonl",
		},
		Policy: PolicyConfig{
			Path: "policy.yaml",
		},
	}
}

// Load reads a YAML config file over the defaults and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Secrets never need to live in the file.
	if v := os.Getenv("REDCORTEX_ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("REDCORTEX_FRAMEWORK_TOKEN"); v != "" {
		cfg.Framework.Token = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would disable safety bounds.
func (c *Config) Validate() error {
	if c.Gateway.DefaultDeadline <= 0 {
		return fmt.Errorf("gateway.default_deadline must be positive")
	}
	if c.Gateway.MaxRunningPerProject <= 0 {
		return fmt.Errorf("gateway.max_running_per_project must be positive")
	}
	if c.Gateway.DefaultRatePerMinute <= 0 {
		return fmt.Errorf("gateway.default_rate_per_minute must be positive")
	}
	if c.Pipeline.FeasibilityWorkers <= 0 {
		return fmt.Errorf("pipeline.feasibility_workers must be positive")
	}
	return nil
}
