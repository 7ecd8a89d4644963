// Package config loads the server configuration.
//
// Values come from defaults, then the YAML file named by --config or
// RDS_CONFIG, then RDS_* environment variables. The result is validated
// before anything is started.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/animus-rds/internal/lifecycle"
	"github.com/animus-labs/animus-rds/internal/platform/auth"
	"github.com/animus-labs/animus-rds/internal/platform/env"
	"github.com/animus-labs/animus-rds/internal/platform/httpserver"
	"github.com/animus-labs/animus-rds/internal/platform/objectstore"
	"github.com/animus-labs/animus-rds/internal/platform/postgres"
	"github.com/animus-labs/animus-rds/internal/runtimeexec"
	"github.com/animus-labs/animus-rds/internal/worker"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "RDS_CONFIG"

// secretEnvPrefix marks variables injected into every job as declared
// secrets, without the prefix.
const secretEnvPrefix = env.Prefix + "JOB_SECRET_"

const (
	StoreFile     = "file"
	StorePostgres = "postgres"

	ProviderDocker  = "docker"
	ProviderBwrap   = "bwrap"
	ProviderProcess = "process"

	PublisherFS          = "fs"
	PublisherObjectStore = "objectstore"
)

type Config struct {
	// DataRoot anchors every path left empty below.
	DataRoot   string            `yaml:"data_root"`
	Server     httpserver.Config `yaml:"server"`
	Store      StoreConfig       `yaml:"store"`
	Executor   ExecutorConfig    `yaml:"executor"`
	Lifecycle  LifecycleConfig   `yaml:"lifecycle"`
	Disclosure DisclosureConfig  `yaml:"disclosure"`
	Auth       auth.Config       `yaml:"auth"`
	Audit      AuditConfig       `yaml:"audit"`
	Worker     WorkerConfig      `yaml:"worker"`
}

type StoreConfig struct {
	Backend  string          `yaml:"backend"`
	Path     string          `yaml:"path"`
	Postgres postgres.Config `yaml:"postgres"`
}

type ExecutorConfig struct {
	Provider        string                `yaml:"provider"`
	DockerBin       string                `yaml:"docker_bin"`
	Image           string                `yaml:"image"`
	BwrapBin        string                `yaml:"bwrap_bin"`
	Timeout         time.Duration         `yaml:"timeout"`
	GracePeriod     time.Duration         `yaml:"grace_period"`
	Resources       runtimeexec.Resources `yaml:"resources"`
	Secrets         map[string]string     `yaml:"secrets"`
	AllowUnisolated bool                  `yaml:"allow_unisolated"`
	CodeRoot        string                `yaml:"code_root"`
	WorkRoot        string                `yaml:"work_root"`
}

type LifecycleConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type DisclosureConfig struct {
	Publisher   string             `yaml:"publisher"`
	SharedRoot  string             `yaml:"shared_root"`
	ObjectStore objectstore.Config `yaml:"objectstore"`
}

type AuditConfig struct {
	// SQL writes audit events to the store's Postgres database.
	SQL bool `yaml:"sql"`
	Log bool `yaml:"log"`
}

type WorkerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Batch       int           `yaml:"batch"`
	Concurrency int           `yaml:"concurrency"`
	Owner       string        `yaml:"owner"`
}

func Default() Config {
	return Config{
		DataRoot: "rds-data",
		Server: httpserver.Config{
			Service:         "rds-server",
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:  StoreFile,
			Postgres: postgres.DefaultConfig(),
		},
		Executor: ExecutorConfig{
			Provider:    ProviderDocker,
			DockerBin:   "docker",
			Image:       "python:3.12-slim",
			Timeout:     runtimeexec.DefaultTimeout,
			GracePeriod: runtimeexec.DefaultGracePeriod,
			Resources:   runtimeexec.DefaultResources(),
		},
		Lifecycle: LifecycleConfig{MaxRetries: lifecycle.DefaultMaxRetries},
		Disclosure: DisclosureConfig{
			Publisher:   PublisherFS,
			ObjectStore: objectstore.DefaultConfig(),
		},
		Auth:  auth.DefaultConfig(),
		Audit: AuditConfig{Log: true},
		Worker: WorkerConfig{
			Interval:    worker.DefaultInterval,
			Batch:       worker.DefaultBatch,
			Concurrency: worker.DefaultConcurrency,
		},
	}
}

// Path picks the config file: the flag value, else RDS_CONFIG. An empty
// result means defaults and environment only.
func Path(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	return strings.TrimSpace(env.String(EnvConfigPath, ""))
}

// Load builds the effective configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.derivePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.DataRoot = env.String("RDS_DATA_ROOT", c.DataRoot)
	c.Server.Addr = env.String("RDS_ADDR", c.Server.Addr)
	c.Store.Backend = env.String("RDS_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = env.String("RDS_STORE_PATH", c.Store.Path)
	c.Executor.Provider = env.String("RDS_EXECUTOR_PROVIDER", c.Executor.Provider)
	c.Executor.Image = env.String("RDS_EXECUTOR_IMAGE", c.Executor.Image)
	if c.Executor.Timeout, err = env.Duration("RDS_EXECUTOR_TIMEOUT", c.Executor.Timeout); err != nil {
		return err
	}
	if c.Executor.AllowUnisolated, err = env.Bool("RDS_ALLOW_UNISOLATED", c.Executor.AllowUnisolated); err != nil {
		return err
	}
	if c.Lifecycle.MaxRetries, err = env.Int("RDS_MAX_RETRIES", c.Lifecycle.MaxRetries); err != nil {
		return err
	}
	c.Disclosure.Publisher = env.String("RDS_DISCLOSURE_PUBLISHER", c.Disclosure.Publisher)
	if c.Worker.Enabled, err = env.Bool("RDS_WORKER_ENABLED", c.Worker.Enabled); err != nil {
		return err
	}
	c.Worker.Owner = env.String("RDS_WORKER_OWNER", c.Worker.Owner)

	for name, value := range env.Collect(secretEnvPrefix) {
		if c.Executor.Secrets == nil {
			c.Executor.Secrets = map[string]string{}
		}
		c.Executor.Secrets[name] = value
	}

	if c.Auth, err = auth.ConfigFromEnv(c.Auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if c.usesPostgres() {
		if c.Store.Postgres, err = postgres.ConfigFromEnv(c.Store.Postgres); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if c.Disclosure.Publisher == PublisherObjectStore {
		if c.Disclosure.ObjectStore, err = objectstore.ConfigFromEnv(c.Disclosure.ObjectStore); err != nil {
			return fmt.Errorf("objectstore: %w", err)
		}
	}
	return nil
}

func (c *Config) derivePaths() {
	fill := func(p *string, name string) {
		if strings.TrimSpace(*p) == "" {
			*p = filepath.Join(c.DataRoot, name)
		}
	}
	fill(&c.Store.Path, "db")
	fill(&c.Executor.CodeRoot, "code")
	fill(&c.Executor.WorkRoot, "work")
	fill(&c.Disclosure.SharedRoot, "shared")
}

func (c Config) usesPostgres() bool {
	return c.Store.Backend == StorePostgres || c.Audit.SQL
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataRoot) == "" {
		errs = append(errs, errors.New("data_root is required"))
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Backend {
	case StoreFile:
	case StorePostgres:
		if err := c.Store.Postgres.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("store.postgres: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be file or postgres (got %q)", c.Store.Backend))
	}
	if c.Audit.SQL && c.Store.Backend != StorePostgres {
		errs = append(errs, errors.New("audit.sql requires store.backend postgres"))
	}

	switch c.Executor.Provider {
	case ProviderDocker:
		if strings.TrimSpace(c.Executor.Image) == "" {
			errs = append(errs, errors.New("executor.image is required for the docker provider"))
		}
	case ProviderBwrap, ProviderProcess:
	default:
		errs = append(errs, fmt.Errorf("executor.provider must be docker, bwrap or process (got %q)", c.Executor.Provider))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.Executor.GracePeriod < 0 {
		errs = append(errs, errors.New("executor.grace_period must be >= 0"))
	}
	if c.Lifecycle.MaxRetries < 0 {
		errs = append(errs, errors.New("lifecycle.max_retries must be >= 0"))
	}

	switch c.Disclosure.Publisher {
	case PublisherFS:
	case PublisherObjectStore:
		if err := c.Disclosure.ObjectStore.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("disclosure.objectstore: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("disclosure.publisher must be fs or objectstore (got %q)", c.Disclosure.Publisher))
	}

	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if c.Worker.Enabled && strings.TrimSpace(c.Worker.Owner) == "" {
		errs = append(errs, errors.New("worker.owner is required when the worker is enabled"))
	}
	return errors.Join(errs...)
}
