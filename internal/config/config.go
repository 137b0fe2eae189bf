// Package config loads claimq settings from the environment.
//
// Every key is read with the CLAIMQ_ prefix, for example CLAIMQ_HTTP_ADDR.
// An optional .env file can seed variables that are not already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nuetzliches/claimq/internal/storage"
)

const EnvPrefix = "CLAIMQ_"

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogOutput string `env:"LOG_OUTPUT" envDefault:"stderr"`
	LogPath   string `env:"LOG_PATH"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8888"`
	// HealthAddr enables the gRPC health service when set.
	HealthAddr string `env:"GRPC_ADDR"`

	// StorageURI is the single data backend used when pooling is off.
	StorageURI string `env:"STORAGE_URI" envDefault:"sqlite://./claimq.db"`

	Pooling PoolingConfig `envPrefix:"POOLING_"`
	GC      GCConfig      `envPrefix:"GC_"`
	Limits  LimitsConfig
	Retry   RetryConfig `envPrefix:"POST_"`

	Tracing TracingConfig `envPrefix:"TRACING_"`

	ReadOnly  bool   `env:"READ_ONLY"`
	PoolsFile string `env:"POOLS_FILE"`
	PIDFile   string `env:"PID_FILE"`
}

// TracingConfig configures the OTLP/HTTP exporter. Tracing is off while
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string            `env:"ENDPOINT"`
	Insecure    bool              `env:"INSECURE"`
	Compression string            `env:"COMPRESSION"`
	Timeout     time.Duration     `env:"TIMEOUT"`
	Headers     map[string]string `env:"HEADERS"`

	TLSCAFile             string `env:"TLS_CA_FILE"`
	TLSCertFile           string `env:"TLS_CERT_FILE"`
	TLSKeyFile            string `env:"TLS_KEY_FILE"`
	TLSServerName         string `env:"TLS_SERVER_NAME"`
	TLSInsecureSkipVerify bool   `env:"TLS_INSECURE_SKIP_VERIFY"`
}

func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

type PoolingConfig struct {
	Enabled      bool          `env:"ENABLED"`
	CatalogueURI string        `env:"CATALOGUE_URI" envDefault:"sqlite://./claimq-catalogue.db"`
	CacheURL     string        `env:"CACHE_URL"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"10s"`
}

type GCConfig struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"5m"`
	Threshold int           `env:"THRESHOLD" envDefault:"1"`
}

type LimitsConfig struct {
	MaxMessagesPerPage  int `env:"MAX_MESSAGES_PER_PAGE" envDefault:"20"`
	MaxMessagesPerClaim int `env:"MAX_MESSAGES_PER_CLAIM" envDefault:"20"`
	MaxQueuesPerPage    int `env:"MAX_QUEUES_PER_PAGE" envDefault:"1000"`
}

type RetryConfig struct {
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"1000"`
	MaxRetrySleep  time.Duration `env:"MAX_RETRY_SLEEP" envDefault:"100ms"`
	MaxRetryJitter time.Duration `env:"MAX_RETRY_JITTER" envDefault:"5ms"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom parses the given variables instead of the process environment.
// Keys carry the CLAIMQ_ prefix.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log level must be debug|info|warn|error (got %q)", c.LogLevel))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogOutput)) {
	case "stderr", "stdout":
	case "file":
		if strings.TrimSpace(c.LogPath) == "" {
			errs = append(errs, errors.New("log output file requires CLAIMQ_LOG_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("log output must be stderr|stdout|file (got %q)", c.LogOutput))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr must not be empty"))
	}
	if c.Pooling.Enabled {
		if storage.Scheme(c.Pooling.CatalogueURI) == "" {
			errs = append(errs, fmt.Errorf("catalogue uri %q has no scheme", c.Pooling.CatalogueURI))
		}
		if c.Pooling.CacheTTL <= 0 {
			errs = append(errs, errors.New("lookup cache ttl must be positive"))
		}
	} else if storage.Scheme(c.StorageURI) == "" {
		errs = append(errs, fmt.Errorf("storage uri %q has no scheme", c.StorageURI))
	}
	switch strings.ToLower(strings.TrimSpace(c.Tracing.Compression)) {
	case "", "gzip", "none":
	default:
		errs = append(errs, fmt.Errorf("tracing compression must be gzip|none (got %q)", c.Tracing.Compression))
	}
	if (c.Tracing.TLSCertFile == "") != (c.Tracing.TLSKeyFile == "") {
		errs = append(errs, errors.New("tracing tls cert and key files must be set together"))
	}
	if c.GC.Interval <= 0 {
		errs = append(errs, errors.New("gc interval must be positive"))
	}
	if c.GC.Threshold < 0 {
		errs = append(errs, errors.New("gc threshold must not be negative"))
	}
	if c.Limits.MaxMessagesPerPage <= 0 || c.Limits.MaxMessagesPerClaim <= 0 || c.Limits.MaxQueuesPerPage <= 0 {
		errs = append(errs, errors.New("page and claim limits must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("post max attempts must be positive"))
	}
	if c.Retry.MaxRetrySleep < 0 || c.Retry.MaxRetryJitter < 0 {
		errs = append(errs, errors.New("retry sleep and jitter must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// StorageOptions maps the limit and retry settings onto backend options.
func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		Limits: storage.Limits{
			MaxMessagesPerPage:  c.Limits.MaxMessagesPerPage,
			MaxMessagesPerClaim: c.Limits.MaxMessagesPerClaim,
			MaxQueuesPerPage:    c.Limits.MaxQueuesPerPage,
		},
		Retry: storage.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			MaxSleep:    c.Retry.MaxRetrySleep,
			MaxJitter:   c.Retry.MaxRetryJitter,
		},
	}
}

// LoadDotenv reads a .env file into the process environment. Variables that
// are already set to a non-empty value win over the file.
func LoadDotenv(path string) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		return err
	}
	for key, val := range vars {
		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf(".env %s: %w", key, err)
		}
	}
	return nil
}
