// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the tactics configuration.
//
// Settings come from a YAML file layered over DefaultConfig. Secrets are
// never read from the file: they come from the environment only.
//
//	TACTICS_MASTER_KEY (legacy: VAULT_MASTER_KEY)   encryption master secret
//	DATABASE_URL       (legacy: SUPABASE_DB_URL)    remote Postgres URL
//	TACTICS_OPERATOR_TOKEN                          operator HTTP routes
//	WEBDAV_PASSWORD                                 WebDAV vault backend
//
// Non-secret overrides: TACTICS_LOG_LEVEL, TACTICS_GCS_BUCKET,
// GOOGLE_APPLICATION_CREDENTIALS, WEBDAV_URL, WEBDAV_USER and
// OTEL_EXPORTER_OTLP_ENDPOINT.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tactics-hq/tactics/services/ingest"
	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/remote"
	"github.com/tactics-hq/tactics/services/resilience/retry"
	"github.com/tactics-hq/tactics/services/resilience/vault"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "TACTICS_CONFIG"

// Config is the full tactics configuration.
type Config struct {
	Log        LogConfig                   `yaml:"log"`
	Server     ServerConfig                `yaml:"server"`
	Security   SecurityConfig              `yaml:"security"`
	LocalStore LocalStoreConfig            `yaml:"local_store"`
	Remote     remote.PostgresConfig       `yaml:"remote"`
	Breakers   BreakersConfig              `yaml:"breakers"`
	Retry      retry.Policy                `yaml:"retry"`
	Facade     FacadeConfig                `yaml:"facade"`
	Vault      vault.Config                `yaml:"vault"`
	Pipeline   ingest.Config               `yaml:"pipeline"`
	Providers  []ingest.HTTPProviderConfig `yaml:"providers" validate:"dive"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures `tactics serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// OperatorToken guards privileged routes. Environment only.
	OperatorToken string `yaml:"-"`

	// ReplayInterval schedules ProcessRetryQueue. Zero disables the loop.
	ReplayInterval time.Duration `yaml:"replay_interval" validate:"gte=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// SecurityConfig configures key derivation.
type SecurityConfig struct {
	// MasterKey is the encryption master secret. Environment only.
	MasterKey string `yaml:"-"`

	PBKDF2Iterations int `yaml:"pbkdf2_iterations" validate:"gte=10000"`
}

// LocalStoreConfig configures the durable cache and retry queue.
type LocalStoreConfig struct {
	localstore.DriverConfig `yaml:",inline"`

	Queue localstore.Config `yaml:"queue"`
}

// BreakersConfig configures the breaker registry.
type BreakersConfig struct {
	Defaults  breaker.Config            `yaml:"defaults"`
	Overrides map[string]breaker.Config `yaml:"overrides"`
}

// FacadeConfig holds the resilience facade timeouts.
type FacadeConfig struct {
	CallTimeout     time.Duration `yaml:"call_timeout" validate:"gte=0"`
	HealthTimeout   time.Duration `yaml:"health_timeout" validate:"gte=0"`
	HealthTTL       time.Duration `yaml:"health_ttl" validate:"gte=0"`
	ReplayBatchSize int           `yaml:"replay_batch_size" validate:"gte=0"`
}

// DefaultConfig returns the production defaults. Paths live under
// ~/.tactics.
func DefaultConfig() Config {
	base := filepath.Join(homeDir(), ".tactics")
	return Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8090",
			ReplayInterval:  time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Security: SecurityConfig{PBKDF2Iterations: encryption.DefaultIterations},
		LocalStore: LocalStoreConfig{
			DriverConfig: localstore.DriverConfig{
				Driver: localstore.DriverSQLite,
				Path:   filepath.Join(base, "local_cache.db"),
			},
			Queue: localstore.DefaultConfig(),
		},
		Remote: remote.PostgresConfig{
			MaxConns:       10,
			ConnectTimeout: 5 * time.Second,
			TenantColumn:   remote.DefaultTenantColumn,
		},
		Breakers: BreakersConfig{
			Defaults:  breaker.DefaultConfig(),
			Overrides: breaker.DefaultOverrides(),
		},
		Retry: retry.DefaultPolicy(),
		Facade: FacadeConfig{
			CallTimeout:     30 * time.Second,
			HealthTimeout:   5 * time.Second,
			HealthTTL:       5 * time.Second,
			ReplayBatchSize: 100,
		},
		Vault: vault.Config{
			Backend:            vault.KindLocal,
			AllowLocalFallback: true,
			LocalPath:          filepath.Join(base, "vault"),
		},
		Pipeline: ingest.Config{Concurrency: 4, RatePerSecond: 2, Burst: 1},
		Tracing: observability.TracingConfig{
			ServiceName: "tactics",
			Exporter:    observability.ExporterNone,
			SampleRatio: 1,
		},
	}
}

// DefaultPath returns $TACTICS_CONFIG or ~/.tactics/tactics.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".tactics", "tactics.yaml")
}

// Load reads path over DefaultConfig, applies environment overrides and
// validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty means DefaultPath; a missing default file is
//     not an error, a missing explicit file is.
//
// # Outputs
//
//   - Config: Ready to use.
//   - error: *faults.ConfigurationError for invalid settings, or a read or
//     parse error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		explicit = os.Getenv(EnvConfigPath) != ""
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	ApplyEnv(&cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}
	set := func(dst *string, keys ...string) {
		if v := first(keys...); v != "" {
			*dst = v
		}
	}

	set(&cfg.Security.MasterKey, "TACTICS_MASTER_KEY", "VAULT_MASTER_KEY")
	set(&cfg.Remote.URL, "DATABASE_URL", "SUPABASE_DB_URL")
	set(&cfg.Server.OperatorToken, "TACTICS_OPERATOR_TOKEN")
	set(&cfg.Log.Level, "TACTICS_LOG_LEVEL")
	set(&cfg.Vault.GCS.Bucket, "TACTICS_GCS_BUCKET")
	set(&cfg.Vault.GCS.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	set(&cfg.Vault.WebDAV.URL, "WEBDAV_URL")
	set(&cfg.Vault.WebDAV.User, "WEBDAV_USER")
	set(&cfg.Vault.WebDAV.Password, "WEBDAV_PASSWORD")

	if endpoint := first("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Exporter = observability.ExporterOTLP
		cfg.Tracing.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		cfg.Tracing.OTLPInsecure = !strings.HasPrefix(endpoint, "https://")
	}
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct tags and the cross-field rules tags cannot
// express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &faults.ConfigurationError{
				Setting: settingName(fe.Namespace()),
				Reason:  fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return err
	}

	if cfg.Remote.TenantColumn != "" && !identifierPattern.MatchString(cfg.Remote.TenantColumn) {
		return &faults.ConfigurationError{Setting: "remote.tenant_column", Reason: "must be a SQL identifier"}
	}
	switch cfg.Vault.Backend {
	case vault.KindGCS:
		if cfg.Vault.GCS.Bucket == "" {
			return &faults.ConfigurationError{Setting: "vault.gcs.bucket", Reason: "required for the gcs backend"}
		}
	case vault.KindWebDAV:
		if cfg.Vault.WebDAV.URL == "" {
			return &faults.ConfigurationError{Setting: "vault.webdav.url", Reason: "required for the webdav backend"}
		}
	}
	if cfg.Tracing.Exporter == observability.ExporterOTLP && cfg.Tracing.OTLPEndpoint == "" {
		return &faults.ConfigurationError{Setting: "tracing.otlp_endpoint", Reason: "required for the otlp exporter"}
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if seen[p.Name] {
			return &faults.ConfigurationError{Setting: "providers", Reason: fmt.Sprintf("duplicate provider %q", p.Name)}
		}
		seen[p.Name] = true
	}
	return nil
}

// settingName turns "Config.local_store.queue.max_attempts" into
// "local_store.queue.max_attempts".
func settingName(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

// RequireMasterKey returns a ConfigurationError when no master key is set.
func (c Config) RequireMasterKey() error {
	if c.Security.MasterKey == "" {
		return &faults.ConfigurationError{
			Setting: "master_key",
			Reason:  "set TACTICS_MASTER_KEY (or the legacy VAULT_MASTER_KEY)",
		}
	}
	return nil
}

// Marshal renders cfg as YAML. Secrets are never included.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched and reported with os.ErrExist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
