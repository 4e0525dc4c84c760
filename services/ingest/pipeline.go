// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest syncs provider data for a tenant through the resilience
// facade.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tactics-hq/tactics/services/resilience"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
)

// RawPayloadsTarget is the table provider payloads are upserted into.
const RawPayloadsTarget = "raw_payloads"

// DatasetPrefix prefixes the cache dataset of each provider's last payload.
const DatasetPrefix = "provider:"

// Provider fetches one tenant's data from an external system.
type Provider interface {
	// Name is the integration name. It selects the circuit breaker and the
	// rate limiter.
	Name() string

	// Fetch returns the provider payload as JSON.
	Fetch(ctx context.Context, companyID string, creds Credentials) ([]byte, error)
}

// Config tunes a Pipeline.
type Config struct {
	// Concurrency caps providers synced at once. Default: 4
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// RatePerSecond limits calls per provider. Default: 2
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`

	// Burst is the limiter burst. Default: 1
	Burst int `yaml:"burst" json:"burst"`

	// SkipReplay disables the retry queue pass at the end of Run.
	SkipReplay bool `yaml:"skip_replay" json:"skip_replay"`
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// ProviderResult is the outcome of one provider sync.
type ProviderResult struct {
	Provider string        `json:"provider"`
	OK       bool          `json:"ok"`
	Class    string        `json:"class,omitempty"`
	Bytes    int           `json:"bytes"`
	Queued   bool          `json:"queued"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	err error
}

// RunReport summarizes a Run.
type RunReport struct {
	CompanyID string                   `json:"company_id"`
	Health    resilience.HealthReport  `json:"health"`
	Aborted   bool                     `json:"aborted"`
	Results   []ProviderResult         `json:"results"`
	Replay    *resilience.ReplayReport `json:"replay,omitempty"`
}

// Pipeline syncs providers for a tenant.
//
// # Description
//
// A run checks database health first and aborts when unhealthy. Providers
// are then synced concurrently, each through its own circuit breaker and
// rate limiter. Every payload is cached under "provider:<name>" and
// upserted into raw_payloads, queued for replay if the remote is down.
// The run ends with a retry queue pass.
//
// # Thread Safety
//
// Safe for concurrent use. Rate limiters are shared across runs.
type Pipeline struct {
	facade  *resilience.Facade
	creds   *CredentialStore
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clock.Clock

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewPipeline builds a Pipeline. creds may be nil, in which case providers
// receive empty credentials.
func NewPipeline(f *resilience.Facade, creds *CredentialStore, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		facade:   f,
		creds:    creds,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "pipeline"),
		metrics:  metrics,
		clock:    f.Clock(),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Pipeline) limiter(provider string) *rate.Limiter {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	l, ok := p.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.RatePerSecond), p.cfg.Burst)
		p.limiters[provider] = l
	}
	return l
}

// Run syncs providers for companyID.
//
// # Outputs
//
//   - RunReport: Per-provider results. Always returned.
//   - error: faults.ErrUnavailable when aborted, otherwise every provider
//     failure aggregated and attributed to companyID, or nil.
func (p *Pipeline) Run(ctx context.Context, companyID string, providers []Provider) (RunReport, error) {
	report := RunReport{CompanyID: companyID}
	if err := faults.ValidateTenant(companyID); err != nil {
		return report, err
	}

	report.Health = p.facade.CheckDatabaseHealth(ctx)
	if report.Health.Status == resilience.StatusUnhealthy {
		report.Aborted = true
		p.logger.Error("pipeline aborted, local cache unavailable",
			"company_id", companyID,
			"cache_error", report.Health.CacheError,
		)
		return report, fmt.Errorf("%w: pipeline for tenant %s aborted", faults.ErrUnavailable, companyID)
	}

	creds := map[string]Credentials{}
	if p.creds != nil {
		loaded, err := p.creds.Load(ctx, companyID)
		if err != nil {
			// Providers without credentials fail on their own; one bad
			// credential must not block the others.
			p.logger.Warn("failed to load credentials", "company_id", companyID, "error", err)
		} else {
			creds = loaded
		}
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	report.Results = make([]ProviderResult, len(providers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, provider := range providers {
		g.Go(func() error {
			res := p.syncOne(gCtx, companyID, provider, creds[provider.Name()])
			report.Results[i] = res
			if res.err != nil {
				mu.Lock()
				result = multierror.Append(result,
					fmt.Errorf("provider %s for tenant %s: %w", res.Provider, companyID, res.err))
				mu.Unlock()
			}
			// Provider failures never cancel the other syncs.
			return nil
		})
	}
	_ = g.Wait()

	if !p.cfg.SkipReplay {
		replay, err := p.facade.ProcessRetryQueue(ctx)
		if err != nil {
			p.logger.Warn("retry queue pass failed", "company_id", companyID, "error", err)
		} else {
			report.Replay = &replay
		}
	}

	failed := 0
	for _, r := range report.Results {
		if !r.OK {
			failed++
		}
	}
	p.logger.Info("pipeline run finished",
		"company_id", companyID,
		"providers", len(providers),
		"failed", failed,
		"health", report.Health.Status,
	)
	return report, result.ErrorOrNil()
}

func (p *Pipeline) syncOne(ctx context.Context, companyID string, provider Provider, creds Credentials) ProviderResult {
	name := provider.Name()
	res := ProviderResult{Provider: name}
	start := p.clock.Now()

	fail := func(err error) ProviderResult {
		class := faults.Classify(err)
		res.Class = class.String()
		res.Error = err.Error()
		res.err = err
		res.Duration = p.clock.Since(start)
		p.metrics.RecordProviderSync(name, class.String())
		return res
	}

	if err := p.limiter(name).Wait(ctx); err != nil {
		return fail(err)
	}

	var payload []byte
	err := p.facade.Call(ctx, name, companyID, func(ctx context.Context) error {
		var err error
		payload, err = provider.Fetch(ctx, companyID, creds)
		return err
	})
	if err != nil {
		return fail(err)
	}
	if !json.Valid(payload) {
		return fail(&faults.FatalProviderError{Provider: name, CompanyID: companyID, Err: localstore.ErrInvalidPayload})
	}
	res.Bytes = len(payload)

	if err := p.facade.Cache().Set(ctx, companyID, DatasetPrefix+name, payload); err != nil {
		return fail(fmt.Errorf("cache %s payload: %w", name, err))
	}

	row, err := json.Marshal(map[string]any{
		"provider_id": name,
		"payload":     json.RawMessage(payload),
		"synced_at":   p.clock.Now().UTC(),
	})
	if err != nil {
		return fail(err)
	}
	out, err := p.facade.Write(ctx, localstore.WriteOp{
		CompanyID:    companyID,
		Target:       RawPayloadsTarget,
		Operation:    localstore.OpUpsert,
		Payload:      row,
		ConflictKeys: []string{"company_id", "provider_id"},
	})
	if err != nil {
		return fail(err)
	}

	res.OK = true
	res.Queued = out.Queued
	res.Duration = p.clock.Since(start)
	p.metrics.RecordProviderSync(name, "ok")
	return res
}
