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
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// Read returns the freshest available payload for key.
//
// # Description
//
// When the remote database is available the dataset is fetched through the
// "database" breaker and the cache is warmed with the result. When the
// fetch fails, or the system is degraded, the last cached payload is
// returned instead, with Source telling the caller where it came from.
//
// # Outputs
//
//   - localstore.CacheEntry: Remote data (Source "remote") or the cached entry.
//   - error: faults.ErrUnavailable when unhealthy, faults.ErrNotFound when
//     the remote failed and nothing is cached.
func (f *Facade) Read(ctx context.Context, key localstore.Key) (localstore.CacheEntry, error) {
	ctx, span := tracer.Start(ctx, "resilience.Read",
		trace.WithAttributes(
			attribute.String("company_id", key.CompanyID),
			attribute.String("dataset", key.Dataset),
		),
	)
	defer span.End()

	if err := faults.ValidateTenant(key.CompanyID); err != nil {
		return localstore.CacheEntry{}, err
	}

	h := f.health(ctx)
	if h.Status == StatusUnhealthy {
		err := unavailable(key.CompanyID, h)
		span.SetStatus(codes.Error, err.Error())
		return localstore.CacheEntry{}, err
	}

	if h.RemoteAvailable {
		var payload []byte
		err := f.Call(ctx, breaker.DatabaseIntegration, key.CompanyID, func(ctx context.Context) error {
			var err error
			payload, err = f.remote.Fetch(ctx, key.CompanyID, key.Dataset)
			return err
		})
		if err == nil {
			if err := f.store.Set(ctx, key, payload, localstore.SourceRemote); err != nil {
				// The remote answer is still good; the next read refreshes.
				f.logger.Warn("failed to warm cache",
					"company_id", key.CompanyID,
					"dataset", key.Dataset,
					"error", err,
				)
			}
			span.SetAttributes(attribute.String("source", string(localstore.SourceRemote)))
			return localstore.CacheEntry{
				Key:           key,
				Payload:       payload,
				LastWrittenAt: f.clock.Now().UTC(),
				Source:        localstore.SourceRemote,
			}, nil
		}
		if ctx.Err() != nil {
			return localstore.CacheEntry{}, ctx.Err()
		}
		f.logger.Warn("remote read failed, serving cache",
			"company_id", key.CompanyID,
			"dataset", key.Dataset,
			"error", err,
		)
	}

	entry, err := f.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			f.metrics.RecordCacheFallback("miss")
		}
		span.SetStatus(codes.Error, err.Error())
		return localstore.CacheEntry{}, err
	}
	f.metrics.RecordCacheFallback("hit")
	span.SetAttributes(attribute.String("source", "cache"))
	return entry, nil
}

// WriteOutcome describes what Write did with an operation.
type WriteOutcome struct {
	// Written is true when the remote database accepted the write.
	Written bool `json:"written"`

	// Queued is true when the write was buffered for replay.
	Queued bool `json:"queued"`

	// PendingID identifies the queued write.
	PendingID string `json:"pending_id,omitempty"`

	// Reason explains why the write was queued.
	Reason string `json:"reason,omitempty"`
}

// Write persists op locally and then remotely.
//
// # Description
//
// The payload rows are first merged into the cached dataset (op.CompanyID,
// op.Target) with source "local", so the cache is the system of record
// until the remote accepts it. Inserts append and upserts replace the row
// with matching conflict keys. The remote write goes through the
// "database" breaker. A transient failure, an open breaker or a degraded
// system queues the write for replay. A fatal failure (constraint
// violation, foreign tenant row) is returned to the caller and not queued,
// because replaying it cannot succeed.
//
// # Outputs
//
//   - WriteOutcome: Written or Queued.
//   - error: faults.ErrUnavailable when unhealthy, validation errors, or a
//     fatal remote error.
func (f *Facade) Write(ctx context.Context, op localstore.WriteOp) (WriteOutcome, error) {
	ctx, span := tracer.Start(ctx, "resilience.Write",
		trace.WithAttributes(
			attribute.String("company_id", op.CompanyID),
			attribute.String("target", op.Target),
			attribute.String("operation", string(op.Operation)),
		),
	)
	defer span.End()

	if err := faults.ValidateTenant(op.CompanyID); err != nil {
		return WriteOutcome{}, err
	}

	h := f.health(ctx)
	if h.Status == StatusUnhealthy {
		err := unavailable(op.CompanyID, h)
		span.SetStatus(codes.Error, err.Error())
		return WriteOutcome{}, err
	}

	if err := f.store.Apply(ctx, op); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return WriteOutcome{}, fmt.Errorf("buffer write for %s: %w", op.CompanyID, err)
	}

	var cause error
	if h.RemoteAvailable {
		cause = f.Call(ctx, breaker.DatabaseIntegration, op.CompanyID, func(ctx context.Context) error {
			return f.remote.Write(ctx, op)
		})
		if cause == nil {
			span.SetAttributes(attribute.Bool("queued", false))
			return WriteOutcome{Written: true}, nil
		}
		if ctx.Err() == nil && !isQueueable(cause) {
			span.RecordError(cause)
			span.SetStatus(codes.Error, "fatal remote write")
			return WriteOutcome{}, cause
		}
	} else {
		cause = fmt.Errorf("%w: remote database unavailable: %s", faults.ErrUnavailable, h.RemoteError)
	}

	// Enqueue with a fresh context so a cancelled caller does not lose the
	// write after it reached the cache.
	pw, err := f.store.EnqueueRetry(context.WithoutCancel(ctx), op, cause)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return WriteOutcome{}, fmt.Errorf("queue write for %s: %w", op.CompanyID, err)
	}
	f.metrics.RecordQueuedWrite()
	span.SetAttributes(attribute.Bool("queued", true))
	return WriteOutcome{Queued: true, PendingID: pw.ID, Reason: cause.Error()}, nil
}
