// Package config loads experiment definitions from YAML and builds the
// runnable stage tree plus its device bindings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/gorig/pkg/model"
)

// ServerConfig holds configuration for the registry server binary.
type ServerConfig struct {
	Addr      string // listen address (default ":8090")
	LogLevel  string // log level: debug, info, warn, error
	LogFormat string // log format: text, json
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8090",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Duration wraps time.Duration with YAML decoding from strings like
// "250ms" and "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is a full experiment definition.
type Config struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Backends maps a backend name to its transport settings. Devices
	// referencing the same name share one backend instance.
	Backends map[string]BackendConfig `yaml:"backends"`

	Devices []DeviceConfig `yaml:"devices"`

	Root *StageConfig `yaml:"root"`
}

// BackendConfig selects and parameterizes one call-routing backend.
type BackendConfig struct {
	// Type is one of local, pool, dummy, subprocess, rest, websocket.
	Type string `yaml:"type"`

	// URL is the registry server base URL for rest and websocket.
	URL string `yaml:"url"`

	// Command is the agent argv for subprocess.
	Command []string `yaml:"command"`

	// Restart respawns a crashed subprocess agent.
	Restart bool `yaml:"restart"`

	// Workers and Queue size the pool backend.
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`

	// Timeout bounds each round trip on network backends.
	Timeout Duration `yaml:"timeout"`

	// Latency is the synthetic delay of the dummy backend.
	Latency Duration `yaml:"latency"`
}

// DeviceConfig declares one device instance.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// Backend names an entry in Backends; empty runs the device inline.
	Backend string `yaml:"backend"`

	// Timeout bounds each call on this device; zero leaves calls bounded
	// by the trial.
	Timeout Duration `yaml:"timeout"`

	// Config is passed to the device factory and to remote mirrors.
	Config map[string]any `yaml:"config"`
}

// StageConfig is one node of the stage tree.
type StageConfig struct {
	Name string `yaml:"name"`

	// Type picks the stage behavior: group, delay, uniform_delay,
	// gaussian_delay, call, digital_gate, analog_gate, expr_gate.
	Type string `yaml:"type"`

	Repeat           *int     `yaml:"repeat"`
	Order            string   `yaml:"order"`
	CompleteOn       string   `yaml:"complete_on"`
	CompleteOnWhom   []string `yaml:"complete_on_whom"`
	MaxDuration      Duration `yaml:"max_duration"`
	MaxTrialDuration Duration `yaml:"max_trial_duration"`
	CancelGrace      Duration `yaml:"cancel_grace"`
	Disabled         bool     `yaml:"disabled"`

	Children []*StageConfig `yaml:"children"`

	// delay
	Delay Duration `yaml:"delay"`

	// uniform_delay
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`

	// gaussian_delay
	Mean   Duration `yaml:"mean"`
	Stddev Duration `yaml:"stddev"`

	// call
	Device string `yaml:"device"`
	Method string `yaml:"method"`
	Args   []any  `yaml:"args"`

	// gates
	ExitState    *bool    `yaml:"exit_state"`
	Low          float64  `yaml:"low"`
	High         float64  `yaml:"high"`
	When         string   `yaml:"when"`
	Hold         Duration `yaml:"hold"`
	UseInitial   bool     `yaml:"use_initial"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Load reads and parses an experiment file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes an experiment definition and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Root == nil {
		return model.NewConfigError("", "experiment has no root stage")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			return model.NewConfigError("", "device without id")
		}
		if seen[d.ID] {
			return model.NewConfigError("", "duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Kind == "" {
			return model.NewConfigError("", "device %q has no kind", d.ID)
		}
		if d.Backend != "" {
			if _, ok := c.Backends[d.Backend]; !ok {
				return model.NewConfigError("", "device %q references unknown backend %q", d.ID, d.Backend)
			}
		}
	}
	for name, b := range c.Backends {
		switch b.Type {
		case "local", "pool", "dummy":
		case "rest", "websocket":
			if b.URL == "" {
				return model.NewConfigError("", "backend %q needs a url", name)
			}
		case "subprocess":
			if len(b.Command) == 0 {
				return model.NewConfigError("", "backend %q needs a command", name)
			}
		default:
			return model.NewConfigError("", "backend %q has unknown type %q", name, b.Type)
		}
	}
	return validateStage(c.Root)
}

func validateStage(s *StageConfig) error {
	if s.Name == "" {
		return model.NewConfigError("", "stage without name")
	}
	switch s.Type {
	case "", "group", "delay", "uniform_delay", "gaussian_delay", "call", "digital_gate", "analog_gate", "expr_gate":
	default:
		return model.NewConfigError(s.Name, "unknown stage type %q", s.Type)
	}
	for _, c := range s.Children {
		if err := validateStage(c); err != nil {
			return err
		}
	}
	return nil
}
