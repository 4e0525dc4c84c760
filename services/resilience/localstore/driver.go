// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Driver is the storage engine under a Store. It performs no policy:
// locking, backoff and validation live in Store.
//
// Missing rows are reported as faults.ErrNotFound. Pending writes are
// returned oldest first (FirstFailedAt, then Seq).
type Driver interface {
	GetEntry(ctx context.Context, key Key) (CacheEntry, error)
	PutEntry(ctx context.Context, entry CacheEntry) error

	InsertPending(ctx context.Context, pw PendingWrite) (PendingWrite, error)
	GetPending(ctx context.Context, id string) (PendingWrite, error)
	UpdatePending(ctx context.Context, pw PendingWrite) error
	DeletePending(ctx context.Context, id string) error
	ListReady(ctx context.Context, now time.Time, limit int) ([]PendingWrite, error)
	ListByStatus(ctx context.Context, status Status) ([]PendingWrite, error)
	Counts(ctx context.Context) (QueueCounts, error)

	PutPrediction(ctx context.Context, p Prediction) error
	GetPrediction(ctx context.Context, key PredictionKey) (Prediction, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// DriverConfig selects and configures a Driver.
type DriverConfig struct {
	// Driver is "sqlite" (default) or "badger".
	Driver string `yaml:"driver" json:"driver" validate:"omitempty,oneof=sqlite badger"`

	// Path is the SQLite file or Badger directory.
	Path string `yaml:"path" json:"path"`

	// BusyTimeout bounds how long SQLite waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// SyncWrites makes Badger fsync every write. Default: true
	SyncWrites *bool `yaml:"sync_writes" json:"sync_writes"`
}

// OpenDriver opens the configured driver.
func OpenDriver(ctx context.Context, cfg DriverConfig, logger *slog.Logger) (Driver, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout, Logger: logger})
	case DriverBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.Logger = logger
		if cfg.SyncWrites != nil {
			bc.SyncWrites = *cfg.SyncWrites
		}
		return OpenBadger(bc)
	default:
		return nil, fmt.Errorf("unknown local store driver %q", cfg.Driver)
	}
}
