package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/provisor/pkg/log"
	"github.com/cuemby/provisor/pkg/manager"
	"github.com/cuemby/provisor/pkg/registry"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of a coordinator
type Config struct {
	NodeID   string `yaml:"nodeId"`
	Address  string `yaml:"address"`
	TieBreak int64  `yaml:"tieBreak,omitempty"`
	DataDir  string `yaml:"dataDir"`

	Workers     int `yaml:"workers"`
	QueueDepth  int `yaml:"queueDepth"`
	EventBuffer int `yaml:"eventBuffer"`

	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	CallTimeout time.Duration `yaml:"callTimeout"`

	DefaultLease    time.Duration `yaml:"defaultLease"`
	Selector        string        `yaml:"selector"`
	CheckpointEvery int           `yaml:"checkpointEvery"`

	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	CollectInterval   time.Duration `yaml:"collectInterval"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig configures the metrics and health endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Address:         "127.0.0.1:7400",
		DataDir:         "./provisor-data",
		Workers:         8,
		QueueDepth:      1024,
		EventBuffer:     256,
		Retries:         3,
		Backoff:         500 * time.Millisecond,
		CallTimeout:     10 * time.Second,
		DefaultLease:    30 * time.Second,
		Selector:        registry.StrategyRoundRobin,
		CheckpointEvery: 64,

		ReconcileInterval: 10 * time.Second,
		CollectInterval:   15 * time.Second,
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9400",
		},
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("queueDepth must be positive, got %d", c.QueueDepth))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("eventBuffer must not be negative, got %d", c.EventBuffer))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.Backoff < 0 {
		errs = append(errs, fmt.Errorf("backoff must not be negative, got %s", c.Backoff))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("callTimeout must be positive, got %s", c.CallTimeout))
	}
	if c.DefaultLease <= 0 {
		errs = append(errs, fmt.Errorf("defaultLease must be positive, got %s", c.DefaultLease))
	}
	if c.CheckpointEvery <= 0 {
		errs = append(errs, fmt.Errorf("checkpointEvery must be positive, got %d", c.CheckpointEvery))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("reconcileInterval must be positive, got %s", c.ReconcileInterval))
	}
	if c.CollectInterval <= 0 {
		errs = append(errs, fmt.Errorf("collectInterval must be positive, got %s", c.CollectInterval))
	}
	if _, err := registry.NewSelector(c.Selector); err != nil {
		errs = append(errs, err)
	}
	switch log.Level(strings.ToLower(c.Log.Level)) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// Logger builds the root logger
func (c *Config) Logger() zerolog.Logger {
	return log.New(log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
		Output:     os.Stderr,
	})
}

// Manager converts the file configuration into a coordinator
// configuration. Discovery, clock and health are left to the caller.
func (c *Config) Manager(logger zerolog.Logger) *manager.Config {
	return &manager.Config{
		NodeID:          c.NodeID,
		Address:         c.Address,
		TieBreak:        c.TieBreak,
		DataDir:         c.DataDir,
		CheckpointEvery: c.CheckpointEvery,
		Workers:         c.Workers,
		QueueDepth:      c.QueueDepth,
		EventBuffer:     c.EventBuffer,
		Retries:         c.Retries,
		Backoff:         c.Backoff,
		CallTimeout:     c.CallTimeout,
		DefaultLease:    c.DefaultLease,
		Selector:        c.Selector,

		ReconcileInterval: c.ReconcileInterval,
		CollectInterval:   c.CollectInterval,
		Logger:            logger,
	}
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
