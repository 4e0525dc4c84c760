// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience composes circuit breakers, retry, the local store, the
// remote database and the secure vault behind one health-checked facade.
//
// # Description
//
// Ingestion and API code never talk to the remote database or a provider
// directly. They go through Facade, which decides from the current health
// whether to attempt a remote operation or work purely from the local
// cache, and which queues failed writes for replay.
//
// # Thread Safety
//
// Facade is safe for concurrent use. It is constructed once per process and
// passed by reference.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/remote"
	"github.com/tactics-hq/tactics/services/resilience/retry"
	"github.com/tactics-hq/tactics/services/resilience/vault"
)

var tracer = otel.Tracer("tactics.resilience")

// Deps are the collaborators of a Facade. Registry, Store and Remote are
// required.
type Deps struct {
	Registry    *breaker.Registry
	RetryPolicy retry.Policy
	Store       *localstore.Store
	Remote      remote.Database

	// Vault and Tokens are optional. SystemHealth reports the vault
	// selection when Vault is set.
	Vault  *vault.SecureVault
	Tokens *encryption.TokenCodec

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// CallTimeout bounds one attempt of a guarded call. Default: 30s
	CallTimeout time.Duration

	// HealthTimeout bounds the remote health ping. Default: 5s
	HealthTimeout time.Duration

	// HealthTTL is how long Read and Write reuse a health report.
	// Default: 5s
	HealthTTL time.Duration

	// ReplayBatchSize caps writes replayed per ProcessRetryQueue call.
	// Default: 100
	ReplayBatchSize int
}

// Facade is the single entry point to the resilience layer.
type Facade struct {
	registry *breaker.Registry
	policy   retry.Policy
	store    *localstore.Store
	remote   remote.Database
	vault    *vault.SecureVault
	tokens   *encryption.TokenCodec
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	callTimeout   time.Duration
	healthTimeout time.Duration
	healthTTL     time.Duration
	replayBatch   int

	cache *cacheClient

	healthMu   sync.Mutex
	lastHealth HealthReport

	replayMu sync.Mutex
}

// New builds a Facade.
//
// # Outputs
//
//   - *Facade: Ready facade.
//   - error: faults.ConfigurationError when a required collaborator is
//     missing, retry.ErrInvalidPolicy for an unusable retry policy.
func New(d Deps) (*Facade, error) {
	switch {
	case d.Registry == nil:
		return nil, &faults.ConfigurationError{Setting: "breaker_registry"}
	case d.Store == nil:
		return nil, &faults.ConfigurationError{Setting: "local_store"}
	case d.Remote == nil:
		return nil, &faults.ConfigurationError{Setting: "remote_database"}
	}
	if d.RetryPolicy == (retry.Policy{}) {
		d.RetryPolicy = retry.DefaultPolicy()
	}
	if err := d.RetryPolicy.Validate(); err != nil {
		return nil, err
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 30 * time.Second
	}
	if d.HealthTimeout <= 0 {
		d.HealthTimeout = 5 * time.Second
	}
	if d.HealthTTL <= 0 {
		d.HealthTTL = 5 * time.Second
	}
	if d.ReplayBatchSize <= 0 {
		d.ReplayBatchSize = 100
	}

	f := &Facade{
		registry:      d.Registry,
		policy:        d.RetryPolicy,
		store:         d.Store,
		remote:        d.Remote,
		vault:         d.Vault,
		tokens:        d.Tokens,
		clock:         d.Clock,
		logger:        d.Logger.With("component", "resilience"),
		metrics:       d.Metrics,
		callTimeout:   d.CallTimeout,
		healthTimeout: d.HealthTimeout,
		healthTTL:     d.HealthTTL,
		replayBatch:   d.ReplayBatchSize,
	}
	f.cache = &cacheClient{store: d.Store}
	return f, nil
}

// -----------------------------------------------------------------------------
// Guarded calls
// -----------------------------------------------------------------------------

// Call runs fn through the integration's breaker, retrying transient
// failures inside it.
//
// # Description
//
// The breaker wraps the retry loop: an open breaker rejects the call
// before any attempt, and an exhausted retry budget counts as exactly one
// breaker failure. Every attempt is bounded by CallTimeout; a timed-out
// attempt is a transient failure.
//
// # Inputs
//
//   - ctx: Cancelling aborts pending retry waits.
//   - integration: Breaker name, e.g. "shopify" or "database".
//   - companyID: Tenant the call is made for. Used for attribution only.
//   - fn: The external call.
//
// # Outputs
//
//   - error: nil, *faults.BreakerOpenError, or the last error from fn.
func (f *Facade) Call(ctx context.Context, integration, companyID string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "resilience.Call",
		trace.WithAttributes(
			attribute.String("integration", integration),
			attribute.String("company_id", companyID),
		),
	)
	defer span.End()

	start := f.clock.Now()
	attempts := 0
	err := f.registry.Get(integration).Execute(ctx, func(ctx context.Context) error {
		res, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
			defer cancel()
			return fn(attemptCtx)
		},
			retry.WithClock(f.clock),
			retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				f.logger.Warn("retrying integration call",
					"integration", integration,
					"company_id", companyID,
					"attempt", attempt,
					"wait", wait,
					"error", err,
				)
			}),
		)
		attempts = res.Attempts
		return err
	})

	elapsed := f.clock.Since(start)
	f.metrics.RecordCall(integration, err, elapsed)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		class := faults.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, class.String())
		level := slog.LevelWarn
		if class == faults.ClassRejected {
			level = slog.LevelInfo
		}
		f.logger.Log(ctx, level, "integration call failed",
			"integration", integration,
			"company_id", companyID,
			"class", class.String(),
			"attempts", attempts,
			"error", err,
		)
	}
	return err
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Cache returns the cache collaborator used by ingestion code. Every call
// returns the same instance.
func (f *Facade) Cache() Cache {
	return f.cache
}

// Clock returns the clock the facade times calls with.
func (f *Facade) Clock() clock.Clock {
	return f.clock
}

// Breakers returns a snapshot of every breaker, sorted by name.
func (f *Facade) Breakers() []breaker.Snapshot {
	return f.registry.Snapshots()
}

// ResetBreaker forces one breaker closed. It reports false for an unknown
// name.
func (f *Facade) ResetBreaker(name string) bool {
	ok := f.registry.Reset(name)
	if ok {
		f.logger.Info("breaker reset by operator", "integration", name)
	}
	return ok
}

// Vault returns the secure vault, or nil when none is configured.
func (f *Facade) Vault() *vault.SecureVault {
	return f.vault
}

// Tokens returns the token codec, or nil when none is configured.
func (f *Facade) Tokens() *encryption.TokenCodec {
	return f.tokens
}

// DeadLetters returns every write that exhausted its replay attempts.
func (f *Facade) DeadLetters(ctx context.Context) ([]localstore.PendingWrite, error) {
	return f.store.DeadLetters(ctx)
}

// Requeue returns a dead letter to the retry queue.
func (f *Facade) Requeue(ctx context.Context, id string) (localstore.PendingWrite, error) {
	return f.store.Requeue(ctx, id)
}

// Close releases the remote pool and the local store.
func (f *Facade) Close() error {
	var result *multierror.Error
	f.remote.Close()
	if err := f.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close local store: %w", err))
	}
	return result.ErrorOrNil()
}

// unavailable builds the fail-closed error for an unhealthy system.
func unavailable(companyID string, h HealthReport) error {
	reason := h.CacheError
	if reason == "" {
		reason = "local cache unavailable"
	}
	if companyID == "" {
		return fmt.Errorf("%w: %s", faults.ErrUnavailable, reason)
	}
	return fmt.Errorf("%w for tenant %s: %s", faults.ErrUnavailable, companyID, reason)
}

// isQueueable reports whether a failed remote write should be buffered.
// Fatal errors are returned to the caller instead: replaying them cannot
// succeed.
func isQueueable(err error) bool {
	switch faults.Classify(err) {
	case faults.ClassTransient, faults.ClassRejected:
		return true
	}
	return errors.Is(err, faults.ErrUnavailable)
}
