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
	"go.opentelemetry.io/otel/codes"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
)

// ReplayReport summarizes one ProcessRetryQueue pass.
type ReplayReport struct {
	// Skipped is true when no replay was attempted.
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// PermanentlyFailed lists writes that exhausted their attempts during
	// this pass.
	PermanentlyFailed []string `json:"permanently_failed,omitempty"`

	// StoppedByBreaker is true when the database breaker opened mid-batch.
	StoppedByBreaker bool `json:"stopped_by_breaker"`

	// Remaining is the pending count after the pass.
	Remaining int `json:"remaining"`
}

// ProcessRetryQueue replays ready pending writes against the remote
// database.
//
// # Description
//
// Writes are replayed oldest first, each through the "database" breaker
// without an inner retry loop: the queue's own backoff spaces attempts.
// A success removes the write; a failure records the attempt and, past the
// maximum, marks it failed_permanent. An open breaker ends the batch
// without consuming any attempt. The pass is skipped while the remote is
// unavailable or another pass is running.
//
// # Outputs
//
//   - ReplayReport: What happened.
//   - error: Local store failures and context cancellation.
func (f *Facade) ProcessRetryQueue(ctx context.Context) (ReplayReport, error) {
	ctx, span := tracer.Start(ctx, "resilience.ProcessRetryQueue")
	defer span.End()

	if !f.replayMu.TryLock() {
		f.metrics.RecordReplay(observability.ReplaySkipped)
		return ReplayReport{Skipped: true, Reason: "replay already running"}, nil
	}
	defer f.replayMu.Unlock()

	var report ReplayReport
	h := f.CheckDatabaseHealth(ctx)
	if !h.RemoteAvailable || !h.LocalCacheAvailable {
		report.Skipped = true
		report.Reason = "remote database unavailable"
		if !h.LocalCacheAvailable {
			report.Reason = "local cache unavailable"
		}
		report.Remaining = h.PendingRetries
		f.metrics.RecordReplay(observability.ReplaySkipped)
		span.SetAttributes(attribute.Bool("skipped", true))
		return report, nil
	}

	ready, err := f.store.DequeueReady(ctx, f.replayBatch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	db := f.registry.Get(breaker.DatabaseIntegration)
	for _, pw := range ready {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := db.Execute(ctx, func(ctx context.Context) error {
			writeCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
			defer cancel()
			return f.remote.Write(writeCtx, pw.Op)
		})
		if faults.IsBreakerOpen(err) {
			report.StoppedByBreaker = true
			f.logger.Warn("database breaker open, stopping replay",
				"company_id", pw.Op.CompanyID,
				"pending_id", pw.ID,
			)
			break
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		report.Attempted++
		if err == nil {
			if err := f.store.MarkSucceeded(ctx, pw.ID); err != nil {
				return report, err
			}
			report.Succeeded++
			f.metrics.RecordReplay(observability.ReplaySucceeded)
			f.logger.Info("replayed queued write",
				"company_id", pw.Op.CompanyID,
				"target", pw.Op.Target,
				"pending_id", pw.ID,
				"waited", f.clock.Since(pw.FirstFailedAt).Round(time.Second),
			)
			continue
		}

		updated, markErr := f.store.MarkFailed(ctx, pw.ID, err)
		if markErr != nil {
			return report, markErr
		}
		report.Failed++
		if updated.Status == localstore.StatusFailedPermanent {
			report.PermanentlyFailed = append(report.PermanentlyFailed, pw.ID)
			f.metrics.RecordReplay(observability.ReplayPermanent)
		} else {
			f.metrics.RecordReplay(observability.ReplayFailed)
			f.logger.Warn("replay failed",
				"company_id", pw.Op.CompanyID,
				"target", pw.Op.Target,
				"pending_id", pw.ID,
				"attempt", updated.AttemptCount,
				"next_attempt_at", updated.NextAttemptAt,
				"error", err,
			)
		}
	}

	counts, err := f.store.Counts(ctx)
	if err != nil {
		return report, err
	}
	report.Remaining = counts.Pending
	f.metrics.SetQueueDepth(counts.Pending, counts.FailedPermanent)

	span.SetAttributes(
		attribute.Int("attempted", report.Attempted),
		attribute.Int("succeeded", report.Succeeded),
		attribute.Int("failed", report.Failed),
	)
	if report.Attempted > 0 || report.StoppedByBreaker {
		f.logger.Info("retry queue processed",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"permanently_failed", len(report.PermanentlyFailed),
			"remaining", report.Remaining,
		)
	}
	return report, nil
}

// RunReplayLoop calls ProcessRetryQueue every interval until ctx is done.
func (f *Facade) RunReplayLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := f.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.ProcessRetryQueue(ctx); err != nil && ctx.Err() == nil {
				f.logger.Error("scheduled retry queue pass failed", "error", err)
			}
		}
	}
}
