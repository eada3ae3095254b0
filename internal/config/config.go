// Package config loads the optional labkit.yaml tool configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is looked up at the repository root.
const FileName = "labkit.yaml"

// Environment overrides.
const (
	EnvLogLevel      = "LABKIT_LOG_LEVEL"
	EnvCacheDisabled = "LABKIT_CACHE_DISABLED"
)

type Config struct {
	Logging     Logging     `yaml:"logging"`
	Cache       Cache       `yaml:"cache"`
	Build       Build       `yaml:"build"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	Observation Observation `yaml:"observation"`
	Index       Index       `yaml:"index"`
	TickLog     TickLog     `yaml:"ticklog"`
	Observer    Observer    `yaml:"observer"`
}

type Logging struct {
	Level string `yaml:"level" validate:"oneof=info debug trace warn error"`
}

type Cache struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required"`
}

type Build struct {
	OutDir string `yaml:"out_dir" validate:"required"`
}

type Scheduler struct {
	WorkerCount                    int   `yaml:"worker_count" validate:"gte=1,lte=64"`
	LogicalShards                  int   `yaml:"logical_shards" validate:"gte=1,lte=64"`
	DefaultCheckpointIntervalTicks int64 `yaml:"default_checkpoint_interval_ticks" validate:"gte=1"`
}

type Observation struct {
	ProcessLogTail int `yaml:"process_log_tail" validate:"gte=0,lte=1024"`
}

type Index struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

type TickLog struct {
	Enabled bool `yaml:"enabled"`
}

type Observer struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

var validate = validator.New()

// Default is the configuration used when no labkit.yaml exists.
func Default() Config {
	return Config{
		Logging:     Logging{Level: "info"},
		Cache:       Cache{Enabled: true, Dir: ".cache"},
		Build:       Build{OutDir: "build"},
		Scheduler:   Scheduler{WorkerCount: 1, LogicalShards: 1, DefaultCheckpointIntervalTicks: 4},
		Observation: Observation{ProcessLogTail: 8},
		Index:       Index{Enabled: false, Path: ".labkit/index.db"},
		TickLog:     TickLog{Enabled: true},
		Observer:    Observer{Listen: "127.0.0.1:8095"},
	}
}

// Load reads <root>/labkit.yaml over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(root string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(filepath.Join(root, FileName))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", FileName, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", FileName, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if lvl := strings.TrimSpace(getenv(EnvLogLevel)); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvCacheDisabled))) {
	case "1", "true", "yes":
		c.Cache.Enabled = false
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Resolve joins a config path onto root unless it is already absolute.
func Resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
