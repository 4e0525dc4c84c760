// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tactics-hq/tactics/cmd/tactics/config"
	"github.com/tactics-hq/tactics/services/resilience"
	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/remote"
	"github.com/tactics-hq/tactics/services/resilience/vault"
)

// stack is the wired resilience layer used by the commands.
type stack struct {
	facade   *resilience.Facade
	keys     *encryption.Manager
	codec    *encryption.TokenCodec
	metrics  *observability.Metrics
	registry *prometheus.Registry
	backend  vault.Backend
}

// newKeys returns the key manager and token codec, or nils when no master
// key is configured.
func newKeys(cfg config.Config, logger *slog.Logger) (*encryption.Manager, *encryption.TokenCodec, error) {
	if cfg.Security.MasterKey == "" {
		return nil, nil, nil
	}
	keys, err := encryption.NewManager([]byte(cfg.Security.MasterKey),
		encryption.WithIterations(cfg.Security.PBKDF2Iterations),
		encryption.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	codec, err := encryption.NewTokenCodec(keys)
	if err != nil {
		return nil, nil, err
	}
	return keys, codec, nil
}

// buildStack opens every dependency in cfg.
//
// # Description
//
// The remote database is optional: without a URL the facade runs against
// remote.Offline and serves reads from the local cache while queueing
// writes. The vault is only wired when a master key is configured.
//
// # Outputs
//
//   - *stack: Must be closed with Close.
//   - error: Configuration failures. The Postgres pool connects lazily, so
//     an unreachable database shows up in health checks instead.
func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{registry: prometheus.NewRegistry()}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.New(s.registry)

	keys, codec, err := newKeys(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	s.keys, s.codec = keys, codec

	driver, err := localstore.OpenDriver(ctx, cfg.LocalStore.DriverConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	store := localstore.New(driver, cfg.LocalStore.Queue, localstore.WithLogger(logger))

	var db remote.Database = remote.Offline{}
	if cfg.Remote.URL != "" {
		pg, err := remote.NewPostgres(ctx, cfg.Remote, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open remote database: %w", err)
		}
		db = pg
	} else {
		logger.Info("no remote database configured, running from the local cache")
	}

	registry := breaker.NewRegistry(cfg.Breakers.Defaults, cfg.Breakers.Overrides,
		breaker.WithLogger(logger),
		breaker.WithObserver(s.metrics),
	)

	var secure *vault.SecureVault
	if keys != nil {
		backend, selection, err := vault.NewBackend(ctx, cfg.Vault, logger)
		if err != nil {
			db.Close()
			_ = store.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		s.backend = backend
		secure = vault.NewSecureVault(backend, keys,
			vault.WithSelection(selection),
			vault.WithLogger(logger),
			vault.WithObserver(s.metrics),
		)
	}

	facade, err := resilience.New(resilience.Deps{
		Registry:        registry,
		RetryPolicy:     cfg.Retry,
		Store:           store,
		Remote:          db,
		Vault:           secure,
		Tokens:          codec,
		Logger:          logger,
		Metrics:         s.metrics,
		CallTimeout:     cfg.Facade.CallTimeout,
		HealthTimeout:   cfg.Facade.HealthTimeout,
		HealthTTL:       cfg.Facade.HealthTTL,
		ReplayBatchSize: cfg.Facade.ReplayBatchSize,
	})
	if err != nil {
		db.Close()
		_ = store.Close()
		return nil, err
	}
	s.facade = facade
	return s, nil
}

// Close releases the facade and the vault backend.
func (s *stack) Close() error {
	var result *multierror.Error
	if err := s.facade.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if closer, ok := s.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close vault backend: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// requireVault returns the vault or a ConfigurationError naming the key.
func (s *stack) requireVault() (*vault.SecureVault, error) {
	if v := s.facade.Vault(); v != nil {
		return v, nil
	}
	return nil, config.Config{}.RequireMasterKey()
}
