// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactics-hq/tactics/services/ingest"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/vault"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tactics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, localstore.DriverSQLite, cfg.LocalStore.Driver)
	assert.Equal(t, 3, cfg.LocalStore.Queue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.LocalStore.Queue.BaseDelay)
	assert.Equal(t, 300*time.Second, cfg.Breakers.Overrides["meta"].Cooldown)
	assert.Equal(t, vault.KindLocal, cfg.Vault.Backend)
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
server:
  addr: 0.0.0.0:9000
  replay_interval: 30s
local_store:
  driver: badger
  path: /tmp/tactics-badger
  queue:
    max_attempts: 5
breakers:
  overrides:
    shopify:
      cooldown: 45s
retry:
  max_attempts: 4
providers:
  - name: shopify
    url: https://example.com/shops/{account_id}/orders.json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReplayInterval)
	assert.Equal(t, localstore.DriverBadger, cfg.LocalStore.Driver)
	assert.Equal(t, "/tmp/tactics-badger", cfg.LocalStore.Path)
	assert.Equal(t, 5, cfg.LocalStore.Queue.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Breakers.Overrides["shopify"].Cooldown)
	assert.Contains(t, cfg.Breakers.Overrides, "meta")
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "shopify", cfg.Providers[0].Name)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Facade.CallTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
}

func TestLoad_SecretsNeverComeFromFile(t *testing.T) {
	t.Setenv("TACTICS_MASTER_KEY", "")
	t.Setenv("VAULT_MASTER_KEY", "")
	path := writeConfig(t, `
security:
  master_key: from-file
  MasterKey: from-file
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Security.MasterKey)
	assert.Error(t, cfg.RequireMasterKey())
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "log: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	ApplyEnv(&cfg, envMap(map[string]string{
		"VAULT_MASTER_KEY":            "legacy-key",
		"SUPABASE_DB_URL":             "postgres://legacy",
		"TACTICS_OPERATOR_TOKEN":      "op",
		"TACTICS_GCS_BUCKET":          "tactics-vault",
		"WEBDAV_URL":                  "https://dav.example.com",
		"WEBDAV_USER":                 "svc",
		"WEBDAV_PASSWORD":             "pw",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4317",
	}))

	assert.Equal(t, "legacy-key", cfg.Security.MasterKey)
	assert.Equal(t, "postgres://legacy", cfg.Remote.URL)
	assert.Equal(t, "op", cfg.Server.OperatorToken)
	assert.Equal(t, "tactics-vault", cfg.Vault.GCS.Bucket)
	assert.Equal(t, "https://dav.example.com", cfg.Vault.WebDAV.URL)
	assert.Equal(t, "pw", cfg.Vault.WebDAV.Password)
	assert.Equal(t, observability.ExporterOTLP, cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
	assert.True(t, cfg.Tracing.OTLPInsecure)
}

func TestApplyEnv_PrimaryWinsOverLegacy(t *testing.T) {
	cfg := DefaultConfig()
	ApplyEnv(&cfg, envMap(map[string]string{
		"TACTICS_MASTER_KEY": "primary",
		"VAULT_MASTER_KEY":   "legacy",
		"DATABASE_URL":       "postgres://primary",
		"SUPABASE_DB_URL":    "postgres://legacy",
	}))
	assert.Equal(t, "primary", cfg.Security.MasterKey)
	assert.Equal(t, "postgres://primary", cfg.Remote.URL)
	assert.NoError(t, cfg.RequireMasterKey())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		setting string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"server addr", func(c *Config) { c.Server.Addr = "not an address" }, "server.addr"},
		{"iterations", func(c *Config) { c.Security.PBKDF2Iterations = 1000 }, "security.pbkdf2_iterations"},
		{"driver", func(c *Config) { c.LocalStore.Driver = "leveldb" }, "local_store.driver"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"vault backend", func(c *Config) { c.Vault.Backend = "s3" }, "vault.backend"},
		{"gcs bucket", func(c *Config) { c.Vault.Backend = vault.KindGCS }, "vault.gcs.bucket"},
		{"webdav url", func(c *Config) { c.Vault.Backend = vault.KindWebDAV }, "vault.webdav.url"},
		{"tenant column", func(c *Config) { c.Remote.TenantColumn = "company id;" }, "remote.tenant_column"},
		{"tracing exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"otlp endpoint", func(c *Config) { c.Tracing.Exporter = observability.ExporterOTLP }, "tracing.otlp_endpoint"},
		{"provider url", func(c *Config) {
			c.Providers = []ingest.HTTPProviderConfig{{Name: "x", URL: "not a url"}}
		}, "providers[0].url"},
		{"duplicate provider", func(c *Config) {
			c.Providers = []ingest.HTTPProviderConfig{
				{Name: "x", URL: "https://a.example.com"},
				{Name: "x", URL: "https://b.example.com"},
			}
		}, "providers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			var cfgErr *faults.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.setting, cfgErr.Setting)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tactics.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LocalStore.Path, cfg.LocalStore.Path)
	assert.Equal(t, DefaultConfig().Breakers.Defaults, cfg.Breakers.Defaults)

	err = WriteDefault(path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestMarshal_OmitsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.MasterKey = "super-secret-master"
	cfg.Remote.URL = "postgres://user:pw@host/db"
	cfg.Server.OperatorToken = "op-token"
	cfg.Vault.WebDAV.Password = "dav-pw"

	out, err := Marshal(cfg)
	require.NoError(t, err)
	for _, secret := range []string{"super-secret-master", "user:pw", "op-token", "dav-pw"} {
		assert.NotContains(t, string(out), secret)
	}
}
