package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/conductor/pkg/broker"
	"github.com/openfroyo/conductor/pkg/engines"
	"github.com/openfroyo/conductor/pkg/stores"
	"github.com/openfroyo/conductor/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONDUCTOR_"

// Config is the process configuration for conductor commands.
type Config struct {
	Store     stores.Config    `yaml:"store"`
	Broker    broker.Config    `yaml:"broker"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Engines   engines.Config   `yaml:"engines"`
	Worker    WorkerConfig     `yaml:"worker"`
}

// WorkerConfig tunes `conductor worker`.
type WorkerConfig struct {
	// Queues lists the queues to consume.
	Queues []string `yaml:"queues" validate:"dive,oneof=actions triggers subscriptions"`

	// Holder identifies this process in mutex rows. Empty means host-pid-uuid.
	Holder string `yaml:"holder"`

	// LeaseTTL is how long a held mutex stays exclusive.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gte=0"`

	// MutexTimeout bounds subscription generation waits.
	MutexTimeout time.Duration `yaml:"mutex_timeout" validate:"gte=0"`

	// RetryInitial and RetryMax bound the pause after a nack.
	RetryInitial time.Duration `yaml:"retry_initial" validate:"gte=0"`
	RetryMax     time.Duration `yaml:"retry_max" validate:"gte=0"`

	// DataRoot resolves relative dataset locations for subscription generation.
	DataRoot string `yaml:"data_root"`

	// ShutdownTimeout bounds the drain after a stop signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns a configuration that runs everything in one process
// against a local SQLite file.
func Default() *Config {
	return &Config{
		Store:     stores.Config{Driver: stores.DriverSQLite, DSN: "conductor.db"},
		Broker:    broker.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Engines:   engines.DefaultConfig(),
		Worker: WorkerConfig{
			Queues:          append([]string(nil), broker.Queues...),
			LeaseTTL:        10 * time.Minute,
			MutexTimeout:    5 * time.Minute,
			RetryInitial:    500 * time.Millisecond,
			RetryMax:        30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
// Files ending in .cue are evaluated as CUE; everything else is YAML.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if strings.EqualFold(filepath.Ext(path), ".cue") {
			data, err = cueToYAML(path, data)
			if err != nil {
				return nil, err
			}
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from CONDUCTOR_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
		return nil
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("BROKER_BACKEND", &c.Broker.Backend)
	str("REDIS_ADDR", &c.Broker.Redis.Addr)
	str("REDIS_PASSWORD", &c.Broker.Redis.Password)
	list("KAFKA_BROKERS", &c.Broker.Kafka.Brokers)
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	str("ENVIRONMENT", &c.Telemetry.Environment)
	str("OTLP_ENDPOINT", &c.Telemetry.Tracing.Endpoint)
	str("WORKER_HOLDER", &c.Worker.Holder)
	str("DATA_ROOT", &c.Worker.DataRoot)
	list("WORKER_QUEUES", &c.Worker.Queues)
	list("ENGINES", &c.Engines.Enabled)

	if v, ok := lookup(EnvPrefix + "METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sMETRICS_ENABLED: %w", EnvPrefix, err)
		}
		c.Telemetry.Metrics.Enabled = b
	}
	if v, ok := lookup(EnvPrefix + "TRACING_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRACING_ENABLED: %w", EnvPrefix, err)
		}
		c.Telemetry.Tracing.Enabled = b
	}
	if err := dur("BROKER_VISIBILITY_TIMEOUT", &c.Broker.VisibilityTimeout); err != nil {
		return err
	}
	return dur("WORKER_LEASE_TTL", &c.Worker.LeaseTTL)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks struct tags, the telemetry rules and the CUE schema.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if err := defaultSchemas.Validate(SchemaConfig, c); err != nil {
		return err
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
