// Package config provides configuration management for dray.
//
// Two layers exist. File/env configuration (this file) covers process-level
// settings: database location, logging, server address, worker tuning.
// Policy configuration (policy.go) covers orchestration behavior and is
// stored in the admin_config table so operators can change it at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// DrayDir is the dray configuration directory
	DrayDir = ".dray"
)

// DatabaseConfig selects the backing database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	// Path is the SQLite database file (sqlite driver only)
	Path string `yaml:"path"`
	// DSN is the connection string (postgres driver only)
	DSN string `yaml:"dsn,omitempty"`
}

// ServerConfig configures the API/websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkerConfig tunes the job workers.
type WorkerConfig struct {
	// PollInterval between claim attempts
	PollInterval time.Duration `yaml:"poll_interval"`
	// SweepInterval between orchestrator sweeper passes
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AIConfig selects the AI collaborator mode.
type AIConfig struct {
	// Mode is disabled, basic, or full
	Mode string `yaml:"mode"`
	// Model passed to the real client when enabled
	Model string `yaml:"model,omitempty"`
}

// StorageConfig configures the object store for artifacts and previews.
type StorageConfig struct {
	// Root directory for the filesystem store
	Root string `yaml:"root"`
	// MaxObjectMB caps single-object size
	MaxObjectMB int `yaml:"max_object_mb"`
}

// RunnerConfig names one external validation check. The command gets the
// preview URL appended and must print a report as JSON on stdout.
type RunnerConfig struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
}

// ValidationConfig lists the external checks the test stage runs.
type ValidationConfig struct {
	Runners []RunnerConfig `yaml:"runners,omitempty"`
}

// Config is the process-level dray configuration.
type Config struct {
	Version  int            `yaml:"version"`
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	AI       AIConfig       `yaml:"ai"`
	Storage  StorageConfig  `yaml:"storage"`
	// Validation configures the external test-stage checks
	Validation ValidationConfig `yaml:"validation,omitempty"`
	// PortalBaseURL is embedded in client-facing emails
	PortalBaseURL string `yaml:"portal_base_url"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:  1,
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DrayDir, "dray.db"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Worker: WorkerConfig{
			PollInterval:  2 * time.Second,
			SweepInterval: time.Minute,
		},
		AI: AIConfig{
			Mode: "disabled",
		},
		Storage: StorageConfig{
			Root:        filepath.Join(DrayDir, "objects"),
			MaxObjectMB: 64,
		},
		PortalBaseURL: "http://localhost:8787/portal",
	}
}

// Load loads configuration with layered precedence: defaults, then the
// user-level file (~/.dray/config.yaml), then the project-level file
// (.dray/config.yaml), then DRAY_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(home, DrayDir, ConfigFileName)); err != nil {
			return nil, err
		}
	}
	if err := mergeFile(cfg, filepath.Join(DrayDir, ConfigFileName)); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// LoadFrom loads defaults overlaid with a single file, then env vars.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DRAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DRAY_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DRAY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DRAY_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DRAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DRAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DRAY_AI_MODE"); v != "" {
		cfg.AI.Mode = v
	}
	if v := os.Getenv("DRAY_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("DRAY_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("DRAY_PORTAL_URL"); v != "" {
		cfg.PortalBaseURL = v
	}
	if v := os.Getenv("DRAY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PollInterval = d
		}
	}
}

// Save writes the configuration to a file, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
