// Package config loads engine and storage settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/pkg/log"
)

type (
	// Config is the top-level configuration of an embedded engine.
	Config struct {
		LogLevel string       `yaml:"log_level"`
		Engine   EngineConfig `yaml:"engine"`
		Store    StoreConfig  `yaml:"store"`
		Worker   WorkerConfig `yaml:"worker"`
	}

	EngineConfig struct {
		MaxLoopIterations int           `yaml:"max_loop_iterations"`
		StepTimeout       time.Duration `yaml:"step_timeout"`
	}

	// StoreConfig selects and configures the RunStore backend. Only the
	// fields of the selected driver are read.
	StoreConfig struct {
		Driver string `yaml:"driver"`

		// sqlite, postgres
		DSN string `yaml:"dsn"`

		// redis
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`

		// redis key prefix, blob object prefix
		Prefix string `yaml:"prefix"`

		// mongo
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`

		// blob
		BucketURL string `yaml:"bucket_url"`
	}

	WorkerConfig struct {
		Concurrency int           `yaml:"concurrency"`
		MaxAttempts int           `yaml:"max_attempts"`
		Backoff     time.Duration `yaml:"backoff"`
	}
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverBlob     = "blob"
)

const (
	DefaultMaxLoopIterations = 1000
	DefaultRedisAddress      = "localhost:6379"
)

var (
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLoopLimit     = errors.New("max loop iterations must be positive")
	ErrInvalidStepTimeout   = errors.New("step timeout must not be negative")
	ErrUnknownStoreDriver   = errors.New("unknown store driver")
	ErrStoreDSNRequired     = errors.New("store dsn is required")
	ErrStoreURIRequired     = errors.New("store uri is required")
	ErrStoreBucketRequired  = errors.New("store bucket url is required")
	ErrInvalidWorkerSetting = errors.New("invalid worker setting")
)

// Default returns a Config with an in-memory store.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MaxLoopIterations: DefaultMaxLoopIterations,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			MaxAttempts: 1,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STEPFLOW_* environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"STEPFLOW_LOG_LEVEL":        &c.LogLevel,
		"STEPFLOW_STORE_DRIVER":     &c.Store.Driver,
		"STEPFLOW_STORE_DSN":        &c.Store.DSN,
		"STEPFLOW_STORE_ADDRESS":    &c.Store.Address,
		"STEPFLOW_STORE_PASSWORD":   &c.Store.Password,
		"STEPFLOW_STORE_PREFIX":     &c.Store.Prefix,
		"STEPFLOW_STORE_URI":        &c.Store.URI,
		"STEPFLOW_STORE_DATABASE":   &c.Store.Database,
		"STEPFLOW_STORE_COLLECTION": &c.Store.Collection,
		"STEPFLOW_STORE_BUCKET_URL": &c.Store.BucketURL,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STEPFLOW_MAX_LOOP_ITERATIONS": &c.Engine.MaxLoopIterations,
		"STEPFLOW_STORE_DB":            &c.Store.DB,
		"STEPFLOW_WORKER_CONCURRENCY":  &c.Worker.Concurrency,
		"STEPFLOW_WORKER_MAX_ATTEMPTS": &c.Worker.MaxAttempts,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"STEPFLOW_STEP_TIMEOUT":   &c.Engine.StepTimeout,
		"STEPFLOW_WORKER_BACKOFF": &c.Worker.Backoff,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Engine.MaxLoopIterations <= 0 {
		return ErrInvalidLoopLimit
	}
	if c.Engine.StepTimeout < 0 {
		return ErrInvalidStepTimeout
	}
	if c.Worker.Concurrency < 1 || c.Worker.MaxAttempts < 1 || c.Worker.Backoff < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidWorkerSetting, c.Worker)
	}
	return c.Store.Validate()
}

// Validate checks that the selected driver has what it needs.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverMemory, DriverRedis:
		return nil
	case DriverSQLite, DriverPostgres:
		if s.DSN == "" {
			return fmt.Errorf("%w for %s", ErrStoreDSNRequired, s.Driver)
		}
	case DriverMongo:
		if s.URI == "" {
			return ErrStoreURIRequired
		}
	case DriverBlob:
		if s.BucketURL == "" {
			return ErrStoreBucketRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStoreDriver, s.Driver)
	}
	return nil
}

// RedisAddress returns the configured address or the local default.
func (s *StoreConfig) RedisAddress() string {
	if s.Address == "" {
		return DefaultRedisAddress
	}
	return s.Address
}
