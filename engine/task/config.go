package task

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/makalin/loom/engine/core"
)

// -----------------------------------------------------------------------------
// Definition schema
// -----------------------------------------------------------------------------

// Config is one node of the declarative task definition as written in YAML.
// Nesting via SubTasks is unbounded.
type Config struct {
	ID        string       `yaml:"id,omitempty"         json:"id,omitempty"`
	Task      string       `yaml:"task"                 json:"task"                 validate:"required"`
	Action    string       `yaml:"action,omitempty"     json:"action,omitempty"`
	Parallel  bool         `yaml:"parallel,omitempty"   json:"parallel,omitempty"`
	HumanGate bool         `yaml:"human_gate,omitempty" json:"human_gate,omitempty"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Timeout   *Duration    `yaml:"timeout,omitempty"    json:"timeout,omitempty"`
	Retry     *RetryPolicy `yaml:"retry,omitempty"      json:"retry,omitempty"`
	SubTasks  []*Config    `yaml:"sub_tasks,omitempty"  json:"sub_tasks,omitempty"  validate:"dive"`
}

// RetryPolicy configures the backoff behavior for a node. Zero fields fall
// back to the engine defaults at graph-build time.
type RetryPolicy struct {
	Strategy   RetryStrategy `yaml:"strategy,omitempty"    json:"strategy,omitempty"    validate:"omitempty,oneof=immediate fixed linear exponential"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"gte=0"`
	BaseDelay  Duration      `yaml:"base_delay,omitempty"  json:"base_delay,omitempty"`
	MaxDelay   Duration      `yaml:"max_delay,omitempty"   json:"max_delay,omitempty"`
}

type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "immediate"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// Duration accepts bare numbers (seconds) or duration strings ("90s", "2m")
// in task definitions.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.parse(strings.Trim(string(b), `"`))
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	return d.parse(strings.Trim(strings.TrimSpace(string(b)), `"'`))
}

func (d *Duration) parse(s string) error {
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	dur, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// LoadConfig reads and validates a task definition file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %s", core.ErrConfig, path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates raw YAML task definition bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %s", core.ErrConfig, err)
	}
	if cfg.Task == "" {
		return nil, fmt.Errorf("%w: definition must include a 'task' field", core.ErrConfig)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrConfig, err)
	}
	return cfg, nil
}

// CountTasks returns the number of nodes in the definition tree.
func (c *Config) CountTasks() int {
	count := 1
	for _, sub := range c.SubTasks {
		count += sub.CountTasks()
	}
	return count
}
