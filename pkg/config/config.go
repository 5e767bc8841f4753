package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the engine-level settings a run starts from. Task definitions
// may override timeout and retry values per node.
type Config struct {
	Engine EngineConfig `koanf:"engine" json:"engine"`
	Server ServerConfig `koanf:"server" json:"server"`
	Log    LogConfig    `koanf:"log"    json:"log"`
}

type EngineConfig struct {
	// DefaultTimeout bounds a single node execution when the node carries no
	// timeout of its own. Zero disables per-node deadlines.
	DefaultTimeout time.Duration `koanf:"default_timeout" json:"default_timeout"`
	// GlobalTimeout bounds the whole run. Zero disables the run deadline.
	GlobalTimeout time.Duration `koanf:"global_timeout" json:"global_timeout"`
	// Concurrency caps the number of actions executing at once.
	Concurrency int `koanf:"concurrency" json:"concurrency" validate:"gte=1"`
	// MaxRetries is the default retry budget for nodes without retry config.
	MaxRetries int `koanf:"max_retries" json:"max_retries" validate:"gte=0"`
	// RetryStrategy is the default backoff strategy name.
	RetryStrategy string `koanf:"retry_strategy" json:"retry_strategy" validate:"oneof=immediate fixed linear exponential"`
	// RetryBaseDelay and RetryMaxDelay feed the default backoff curve.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" json:"retry_max_delay"`
	// StateDir is where execution snapshots are written.
	StateDir string `koanf:"state_dir" json:"state_dir" validate:"required"`
	// SaveState enables snapshotting after every applied transition.
	SaveState bool `koanf:"save_state" json:"save_state"`
}

type ServerConfig struct {
	Host  string `koanf:"host" json:"host" validate:"required"`
	Port  int    `koanf:"port" json:"port" validate:"gte=1,lte=65535"`
	Debug bool   `koanf:"debug" json:"debug"`
}

type LogConfig struct {
	Level string `koanf:"level" json:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"  json:"json"`
	File  string `koanf:"file"  json:"file"`
}

// Default returns the baseline configuration before env overrides.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultTimeout: 0,
			GlobalTimeout:  0,
			Concurrency:    4,
			MaxRetries:     3,
			RetryStrategy:  "exponential",
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  60 * time.Second,
			StateDir:       ".loom",
			SaveState:      false,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
