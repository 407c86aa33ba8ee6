// Package config loads conductor.yaml, the runtime configuration of the
// execution layer: pool sizes, nesting limits, event loop pacing, debugger
// persistence, the remote control listener and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level conductor.yaml configuration.
type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Executor  ExecutorConfig  `yaml:"executor"`
	EventLoop EventLoopConfig `yaml:"event_loop"`
	Debugger  DebuggerConfig  `yaml:"debugger"`
	Remote    RemoteConfig    `yaml:"remote"`
	Log       LogConfig       `yaml:"log"`
}

// PoolConfig sizes the context pool.
type PoolConfig struct {
	// Initial is the number of contexts created at startup.
	Initial int `yaml:"initial"`
	// MaxIdle caps the free list. Contexts released beyond it are destroyed.
	MaxIdle int `yaml:"max_idle"`
}

// ExecutorConfig limits nested execution.
type ExecutorConfig struct {
	MaxNestedDepth int `yaml:"max_nested_depth"`
}

// EventLoopConfig paces the dispatcher.
type EventLoopConfig struct {
	// PollInterval is how long one poll waits for new entries.
	PollInterval Duration `yaml:"poll_interval"`
	// Slice caps the entries dispatched per poll; 0 drains the queue.
	Slice int `yaml:"slice"`
}

// DebuggerConfig configures the interactive debugger.
type DebuggerConfig struct {
	Enabled      bool `yaml:"enabled"`
	BreakOnStart bool `yaml:"break_on_start"`
	// Store is the sqlite file holding saved breakpoint sessions.
	Store string `yaml:"store"`
	// Session is loaded at startup when it exists.
	Session string `yaml:"session"`
	// History keeps interactive command history.
	History string `yaml:"history"`
	// BreakPoints are added at startup, as "file:line" or a function name.
	BreakPoints []string `yaml:"breakpoints,omitempty"`
}

// RemoteConfig configures the gRPC control service.
type RemoteConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Verbosity is 0 for errors and warnings only, up to 2 for debug output.
	Verbosity int    `yaml:"verbosity"`
	File      string `yaml:"file,omitempty"`
}

// Duration is a time.Duration written as "250ms" or "2s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"10ms\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no conductor.yaml exists.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// LoadConfig reads and parses a conductor.yaml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses conductor.yaml content from bytes.
// The path argument is used only for error messages.
func ParseConfig(data []byte, path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	cfg.resolvePaths(filepath.Dir(path))
	return &cfg, nil
}

// FindConfig searches for conductor.yaml starting from dir and walking up
// to parent directories. Returns an empty path and nil error if none exists.
func FindConfig(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving directory: %w", err)
	}

	for {
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return "", nil
		}
		dir = parent
	}
}

// LoadOrDefault loads the config at path, or the nearest one above dir when
// path is empty, falling back to Default.
func LoadOrDefault(path, dir string) (*Config, error) {
	if path == "" {
		found, err := FindConfig(dir)
		if err != nil {
			return nil, err
		}
		if found == "" {
			return Default(), nil
		}
		path = found
	}
	return LoadConfig(path)
}

// validate checks the configuration for semantic errors.
func (c *Config) validate(path string) error {
	if c.Pool.Initial < 0 {
		return fmt.Errorf("%s: pool.initial must not be negative", path)
	}
	if c.Pool.MaxIdle < 0 {
		return fmt.Errorf("%s: pool.max_idle must not be negative", path)
	}
	if c.Pool.MaxIdle > 0 && c.Pool.Initial > c.Pool.MaxIdle {
		return fmt.Errorf("%s: pool.initial (%d) exceeds pool.max_idle (%d)", path, c.Pool.Initial, c.Pool.MaxIdle)
	}
	if c.Executor.MaxNestedDepth < 0 {
		return fmt.Errorf("%s: executor.max_nested_depth must not be negative", path)
	}
	if c.EventLoop.PollInterval < 0 {
		return fmt.Errorf("%s: event_loop.poll_interval must not be negative", path)
	}
	if c.EventLoop.Slice < 0 {
		return fmt.Errorf("%s: event_loop.slice must not be negative", path)
	}
	if c.Log.Verbosity < 0 || c.Log.Verbosity > 2 {
		return fmt.Errorf("%s: log.verbosity must be between 0 and 2, got %d", path, c.Log.Verbosity)
	}
	if c.Debugger.BreakOnStart && !c.Debugger.Enabled {
		return fmt.Errorf("%s: debugger.break_on_start requires debugger.enabled", path)
	}
	for i, bp := range c.Debugger.BreakPoints {
		if bp == "" {
			return fmt.Errorf("%s: debugger.breakpoints[%d] is empty", path, i)
		}
	}
	return nil
}

// setDefaults fills in zero values.
func (c *Config) setDefaults() {
	if c.Pool.Initial == 0 {
		c.Pool.Initial = DefaultPoolInitial
	}
	if c.Pool.MaxIdle == 0 {
		c.Pool.MaxIdle = DefaultPoolMaxIdle
		if c.Pool.Initial > c.Pool.MaxIdle {
			c.Pool.MaxIdle = c.Pool.Initial
		}
	}
	if c.Executor.MaxNestedDepth == 0 {
		c.Executor.MaxNestedDepth = DefaultMaxNestedDepth
	}
	if c.EventLoop.PollInterval == 0 {
		c.EventLoop.PollInterval = Duration(10 * time.Millisecond)
	}
	if c.EventLoop.Slice == 0 {
		c.EventLoop.Slice = DefaultSlice
	}
	if c.Debugger.Store == "" {
		c.Debugger.Store = DefaultStoreFile
	}
	if c.Debugger.Session == "" {
		c.Debugger.Session = DefaultSession
	}
	if c.Debugger.History == "" {
		c.Debugger.History = DefaultHistoryFile
	}
	if c.Remote.Listen == "" {
		c.Remote.Listen = DefaultListen
	}
}

// resolvePaths makes relative file settings relative to the config file.
func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{&c.Debugger.Store, &c.Debugger.History, &c.Log.File} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}
