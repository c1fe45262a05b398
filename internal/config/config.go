// Package config loads eventcore settings.
//
// Precedence, lowest first: built-in defaults, an optional YAML file,
// EVENTCORE_* environment variables, then command-line flags applied by the
// caller. Validate runs once after all layers are applied.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventcore/internal/ledger"
	"github.com/roach88/eventcore/internal/projection"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EVENTCORE_"

// Config holds all runtime settings.
type Config struct {
	// DatabasePath is the SQLite file of the event store.
	DatabasePath string `yaml:"database_path" env:"DB_PATH" validate:"required"`

	// WorkerID identifies this process as a lease owner. Generated if empty.
	WorkerID string `yaml:"worker_id" env:"WORKER_ID"`

	BatchSize          int           `yaml:"batch_size" env:"BATCH_SIZE" validate:"gt=0,lte=1000"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" validate:"gt=0"`
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval" env:"RETRY_SWEEP_INTERVAL" validate:"gt=0"`
	LeaseTTL           time.Duration `yaml:"lease_ttl" env:"LEASE_TTL" validate:"gt=0"`

	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE" validate:"gt=0"`
	BackoffMax  time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX" validate:"gtefield=BackoffBase"`

	// MaxRetries stops automatic retries; 0 means unlimited.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`

	// SchemaDir holds extra CUE payload schemas, loaded over the built-in
	// ticket schemas.
	SchemaDir string `yaml:"schema_dir" env:"SCHEMA_DIR"`

	// MetricsAddr is the listen address of the Prometheus endpoint served
	// by "eventcore serve". Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" validate:"oneof=text json"`
}

// Default returns the built-in settings.
func Default() Config {
	policy := ledger.DefaultPolicy()
	runner := projection.DefaultOptions()
	return Config{
		DatabasePath:       "eventcore.db",
		BatchSize:          runner.BatchSize,
		PollInterval:       time.Second,
		RetrySweepInterval: 5 * time.Second,
		LeaseTTL:           runner.LeaseTTL,
		BackoffBase:        policy.BackoffBase,
		BackoffMax:         policy.BackoffMax,
		MaxRetries:         policy.MaxRetries,
		MetricsAddr:        ":9090",
		LogFormat:          "text",
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings after every layer has been applied.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
}

// RunnerOptions returns the projection runner settings.
func (c Config) RunnerOptions() projection.Options {
	return projection.Options{
		WorkerID:  c.WorkerID,
		BatchSize: c.BatchSize,
		LeaseTTL:  c.LeaseTTL,
	}
}

// SupervisorOptions returns the scheduling settings.
func (c Config) SupervisorOptions() projection.SupervisorOptions {
	return projection.SupervisorOptions{
		PollInterval:       c.PollInterval,
		RetrySweepInterval: c.RetrySweepInterval,
	}
}

// RetryPolicy returns the failure ledger settings.
func (c Config) RetryPolicy() ledger.Policy {
	return ledger.Policy{
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		MaxRetries:  c.MaxRetries,
	}
}
