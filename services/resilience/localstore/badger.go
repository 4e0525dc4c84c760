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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// Key prefixes. A company_id never contains "/", so "cache/{company}/"
// cannot collide across tenants.
const (
	prefixCache      = "cache/"
	prefixRetry      = "retry/"
	prefixPrediction = "pred/"
	retrySequenceKey = "seq/retry"
)

// BadgerConfig configures the Badger driver.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in memory. For tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Default: true
	SyncWrites bool

	Logger *slog.Logger

	// GCInterval runs value log GC periodically. Zero disables it.
	// Default: 5 minutes
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC. Default: 0.5
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerDriver stores the cache and retry queue as JSON values in Badger.
type BadgerDriver struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens the Badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerDriver, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &faults.ConfigurationError{Setting: "local_store.path"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("create local store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(retrySequenceKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open retry sequence: %w", err)
	}

	d := &BadgerDriver{db: db, seq: seq, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC(cfg.GCInterval, ratio)
	}
	return d, nil
}

func (d *BadgerDriver) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func cacheKey(k Key) []byte {
	return []byte(prefixCache + k.CompanyID + "/" + k.Dataset)
}

func (d *BadgerDriver) getJSON(key []byte, v any, what string) error {
	return d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", faults.ErrNotFound, what)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

func (d *BadgerDriver) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// GetEntry implements Driver.
func (d *BadgerDriver) GetEntry(ctx context.Context, key Key) (CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, err
	}
	var e CacheEntry
	if err := d.getJSON(cacheKey(key), &e, "cache entry "+key.String()); err != nil {
		return CacheEntry{}, err
	}
	return e, nil
}

// PutEntry implements Driver.
func (d *BadgerDriver) PutEntry(ctx context.Context, e CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.putJSON(cacheKey(e.Key), e)
}

// InsertPending implements Driver.
func (d *BadgerDriver) InsertPending(ctx context.Context, pw PendingWrite) (PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return PendingWrite{}, err
	}
	n, err := d.seq.Next()
	if err != nil {
		return PendingWrite{}, fmt.Errorf("next retry sequence: %w", err)
	}
	// Sequence starts at zero; keep zero meaning "unassigned".
	pw.Seq = n + 1

	data, err := json.Marshal(pw)
	if err != nil {
		return PendingWrite{}, err
	}
	key := []byte(prefixRetry + pw.ID)
	err = d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("pending write %s already exists", pw.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return PendingWrite{}, err
	}
	return pw, nil
}

// GetPending implements Driver.
func (d *BadgerDriver) GetPending(ctx context.Context, id string) (PendingWrite, error) {
	if err := ctx.Err(); err != nil {
		return PendingWrite{}, err
	}
	var pw PendingWrite
	if err := d.getJSON([]byte(prefixRetry+id), &pw, "pending write "+id); err != nil {
		return PendingWrite{}, err
	}
	return pw, nil
}

// UpdatePending implements Driver.
func (d *BadgerDriver) UpdatePending(ctx context.Context, pw PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(prefixRetry + pw.ID)
	return d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: pending write %s", faults.ErrNotFound, pw.ID)
		}
		if err != nil {
			return err
		}
		var stored PendingWrite
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &stored) }); err != nil {
			return err
		}
		stored.AttemptCount = pw.AttemptCount
		stored.LastAttemptAt = pw.LastAttemptAt
		stored.NextAttemptAt = pw.NextAttemptAt
		stored.LastError = pw.LastError
		stored.Status = pw.Status

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// DeletePending implements Driver.
func (d *BadgerDriver) DeletePending(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixRetry + id))
	})
}

// scanPending decodes every pending write matching keep, oldest first.
func (d *BadgerDriver) scanPending(ctx context.Context, keep func(PendingWrite) bool) ([]PendingWrite, error) {
	var out []PendingWrite
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixRetry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var pw PendingWrite
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &pw) }); err != nil {
				return err
			}
			if keep(pw) {
				out = append(out, pw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ListReady implements Driver.
func (d *BadgerDriver) ListReady(ctx context.Context, now time.Time, limit int) ([]PendingWrite, error) {
	out, err := d.scanPending(ctx, func(pw PendingWrite) bool {
		return pw.Status == StatusPending && !pw.NextAttemptAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus implements Driver.
func (d *BadgerDriver) ListByStatus(ctx context.Context, status Status) ([]PendingWrite, error) {
	return d.scanPending(ctx, func(pw PendingWrite) bool { return pw.Status == status })
}

// Counts implements Driver.
func (d *BadgerDriver) Counts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	_, err := d.scanPending(ctx, func(pw PendingWrite) bool {
		switch pw.Status {
		case StatusPending:
			c.Pending++
		case StatusFailedPermanent:
			c.FailedPermanent++
		}
		return false
	})
	return c, err
}

// PutPrediction implements Driver.
func (d *BadgerDriver) PutPrediction(ctx context.Context, p Prediction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.putJSON(predictionKey(p.Key()), p)
}

// predictionKey lays out pred/<company>/<hash>/<type>. Tenants and input
// hashes never contain "/", so the type may hold any byte.
func predictionKey(k PredictionKey) []byte {
	return []byte(prefixPrediction + k.CompanyID + "/" + k.InputHash + "/" + k.PredictionType)
}

// GetPrediction implements Driver.
func (d *BadgerDriver) GetPrediction(ctx context.Context, key PredictionKey) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	var p Prediction
	if err := d.getJSON(predictionKey(key), &p, "prediction "+key.String()); err != nil {
		return Prediction{}, err
	}
	return p, nil
}

// Ping implements Driver.
func (d *BadgerDriver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return d.db.View(func(*badger.Txn) error { return nil })
}

// Close implements Driver.
func (d *BadgerDriver) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
	}
	if err := d.seq.Release(); err != nil {
		d.logger.Warn("release retry sequence", "error", err)
	}
	return d.db.Close()
}

var _ Driver = (*BadgerDriver)(nil)
