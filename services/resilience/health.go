// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
)

// Status is the overall health of the data path.
type Status string

const (
	// StatusHealthy means the remote database and the local cache answer.
	StatusHealthy Status = "healthy"

	// StatusDegraded means only the local cache answers. Writes are
	// buffered and reads are served stale.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means the local cache does not answer. Callers must
	// fail fast.
	StatusUnhealthy Status = "unhealthy"
)

// HealthReport is the result of CheckDatabaseHealth.
type HealthReport struct {
	Status              Status    `json:"status"`
	RemoteAvailable     bool      `json:"remote_available"`
	LocalCacheAvailable bool      `json:"local_cache_available"`
	PendingRetries      int       `json:"pending_retries"`
	FailedPermanent     int       `json:"failed_permanent"`
	RemoteError         string    `json:"remote_error,omitempty"`
	CacheError          string    `json:"cache_error,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

// deriveStatus maps availability onto a Status.
//
// A remote that answers while the local cache does not is still
// unhealthy: the cache is the system of record for buffered writes.
func deriveStatus(remoteOK, cacheOK bool) Status {
	switch {
	case remoteOK && cacheOK:
		return StatusHealthy
	case cacheOK:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// CheckDatabaseHealth pings the remote database and the local store.
//
// # Description
//
// The remote ping goes through the "database" breaker, so an open breaker
// reports the remote unavailable without a network round trip. The local
// check never touches the network.
//
// # Outputs
//
//   - HealthReport: Always returned; failures are reported in the fields.
func (f *Facade) CheckDatabaseHealth(ctx context.Context) HealthReport {
	ctx, span := tracer.Start(ctx, "resilience.CheckDatabaseHealth")
	defer span.End()

	report := HealthReport{CheckedAt: f.clock.Now().UTC()}

	err := f.registry.Get(breaker.DatabaseIntegration).Execute(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, f.healthTimeout)
		defer cancel()
		return f.remote.Ping(pingCtx)
	})
	if err != nil {
		report.RemoteError = err.Error()
	} else {
		report.RemoteAvailable = true
	}

	if err := f.store.Ping(ctx); err != nil {
		report.CacheError = err.Error()
	} else if counts, err := f.store.Counts(ctx); err != nil {
		report.CacheError = err.Error()
	} else {
		report.LocalCacheAvailable = true
		report.PendingRetries = counts.Pending
		report.FailedPermanent = counts.FailedPermanent
		f.metrics.SetQueueDepth(counts.Pending, counts.FailedPermanent)
	}

	report.Status = deriveStatus(report.RemoteAvailable, report.LocalCacheAvailable)
	f.metrics.SetHealth(string(report.Status))
	span.SetAttributes(
		attribute.String("status", string(report.Status)),
		attribute.Bool("remote_available", report.RemoteAvailable),
		attribute.Bool("local_cache_available", report.LocalCacheAvailable),
	)

	f.healthMu.Lock()
	prev := f.lastHealth.Status
	f.lastHealth = report
	f.healthMu.Unlock()

	if prev != "" && prev != report.Status {
		f.logger.Warn("database health changed",
			"from", prev,
			"to", report.Status,
			"remote_error", report.RemoteError,
			"cache_error", report.CacheError,
		)
	}
	return report
}

// health returns the last report while it is younger than HealthTTL and
// checks again otherwise.
func (f *Facade) health(ctx context.Context) HealthReport {
	f.healthMu.Lock()
	last := f.lastHealth
	f.healthMu.Unlock()

	if !last.CheckedAt.IsZero() && f.clock.Since(last.CheckedAt) < f.healthTTL {
		return last
	}
	return f.CheckDatabaseHealth(ctx)
}

// VaultReport describes the vault backend in use.
type VaultReport struct {
	Backend        string `json:"backend"`
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// SystemReport is the result of SystemHealth.
type SystemReport struct {
	Status       Status             `json:"status"`
	Database     HealthReport       `json:"database"`
	Breakers     []breaker.Snapshot `json:"breakers"`
	OpenBreakers int                `json:"open_breakers"`
	DeadLetters  int                `json:"dead_letters"`
	Vault        *VaultReport       `json:"vault,omitempty"`
}

// SystemHealth extends CheckDatabaseHealth with breaker and vault state.
//
// The overall status is the database status, lowered to degraded while any
// breaker is open or any write has permanently failed.
func (f *Facade) SystemHealth(ctx context.Context) SystemReport {
	ctx, span := tracer.Start(ctx, "resilience.SystemHealth",
		trace.WithAttributes(attribute.Int("breakers", len(f.registry.Snapshots()))))
	defer span.End()

	db := f.CheckDatabaseHealth(ctx)
	report := SystemReport{
		Status:       db.Status,
		Database:     db,
		Breakers:     f.registry.Snapshots(),
		OpenBreakers: f.registry.OpenCount(),
		DeadLetters:  db.FailedPermanent,
	}
	if f.vault != nil {
		sel := f.vault.Selection()
		report.Vault = &VaultReport{
			Backend:        sel.Kind,
			Fallback:       sel.Fallback,
			FallbackReason: sel.Reason,
		}
	}
	if report.Status == StatusHealthy && (report.OpenBreakers > 0 || report.DeadLetters > 0) {
		report.Status = StatusDegraded
	}
	return report
}
