package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"voxd/internal/common/fsutil"
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are filled in by Normalize.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// DataDir is the root for model artifacts and the metadata store.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// Memory governance.
	BudgetMB     int    `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	MarginMB     int    `json:"margin_mb" yaml:"margin_mb" toml:"margin_mb"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// LoadTimeoutSec bounds a single backend load call.
	LoadTimeoutSec int `json:"load_timeout_sec" yaml:"load_timeout_sec" toml:"load_timeout_sec"`

	// Downloads.
	MaxConcurrentDownloads int `json:"max_concurrent_downloads" yaml:"max_concurrent_downloads" toml:"max_concurrent_downloads"`
	ChunkSizeKB            int `json:"chunk_size_kb" yaml:"chunk_size_kb" toml:"chunk_size_kb"`
	DownloadRetries        int `json:"download_retries" yaml:"download_retries" toml:"download_retries"`
	ProgressIntervalMs     int `json:"progress_interval_ms" yaml:"progress_interval_ms" toml:"progress_interval_ms"`

	// Pipeline.
	SilenceTimeoutMs  int     `json:"silence_timeout_ms" yaml:"silence_timeout_ms" toml:"silence_timeout_ms"`
	EndpointSilenceMs int     `json:"endpoint_silence_ms" yaml:"endpoint_silence_ms" toml:"endpoint_silence_ms"`
	EnergyThreshold   float64 `json:"energy_threshold" yaml:"energy_threshold" toml:"energy_threshold"`
	FrameQueueDepth   int     `json:"frame_queue_depth" yaml:"frame_queue_depth" toml:"frame_queue_depth"`

	// HTTP surface.
	LogLevel       string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORS           bool     `json:"cors" yaml:"cors" toml:"cors"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`

	// Models seeded into the registry at startup.
	BuiltIn []ModelSeed `json:"builtin_models" yaml:"builtin_models" toml:"builtin_models"`
}

// ModelSeed is one built-in catalog entry declared in the config file.
type ModelSeed struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Category    string   `json:"category" yaml:"category" toml:"category"`
	Source      string   `json:"source" yaml:"source" toml:"source"`
	SHA256      string   `json:"sha256" yaml:"sha256" toml:"sha256"`
	SizeBytes   int64    `json:"size_bytes" yaml:"size_bytes" toml:"size_bytes"`
	MemoryEstMB int      `json:"memory_est_mb" yaml:"memory_est_mb" toml:"memory_est_mb"`
	Backends    []string `json:"backends" yaml:"backends" toml:"backends"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.Normalize()
	return cfg
}

// Normalize fills unspecified fields with defaults.
func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.voxd"
	}
	if expanded, err := fsutil.ExpandHome(c.DataDir); err == nil {
		c.DataDir = expanded
	}
	if c.BudgetMB <= 0 {
		c.BudgetMB = 4096
	}
	if c.MarginMB < 0 {
		c.MarginMB = 0
	}
	if c.LoadTimeoutSec <= 0 {
		c.LoadTimeoutSec = 120
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 2
	}
	if c.ChunkSizeKB <= 0 {
		c.ChunkSizeKB = 1024
	}
	if c.DownloadRetries <= 0 {
		c.DownloadRetries = 4
	}
	if c.ProgressIntervalMs <= 0 {
		c.ProgressIntervalMs = 250
	}
	if c.SilenceTimeoutMs <= 0 {
		c.SilenceTimeoutMs = 10_000
	}
	if c.EndpointSilenceMs <= 0 {
		c.EndpointSilenceMs = 800
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.05
	}
	if c.FrameQueueDepth <= 0 {
		c.FrameQueueDepth = 64
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ArtifactsDir is where downloaded model files live.
func (c Config) ArtifactsDir() string { return filepath.Join(c.DataDir, "models") }

// StoreDir is where the metadata store lives.
func (c Config) StoreDir() string { return filepath.Join(c.DataDir, "meta") }

// LoadTimeout returns the backend load timeout as a duration.
func (c Config) LoadTimeout() time.Duration { return time.Duration(c.LoadTimeoutSec) * time.Second }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	cfg.Normalize()
	return cfg, nil
}
