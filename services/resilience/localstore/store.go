// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package localstore is the durable local cache and retry queue.
//
// # Description
//
// Store keeps the last known payload of every (company_id, dataset) pair and
// a queue of remote writes that failed and must be replayed. It never
// performs network I/O, so it keeps working while the remote database is
// unreachable.
//
// Two storage engines implement Driver: SQLite (default) and Badger.
//
// # Thread Safety
//
// Store is safe for concurrent use. Writes to the same (company_id,
// dataset) are serialized through a striped lock. Reads take no lock and
// observe the last committed write.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// Config controls retry queue backoff.
type Config struct {
	// BaseDelay is the wait before the first replay. Default: 60s
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the replay backoff. Default: 1h
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// MaxAttempts is the number of failed replays after which a write is
	// marked failed_permanent. Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// LockStripes is the number of write lock stripes. Default: 64
	LockStripes int `yaml:"lock_stripes" json:"lock_stripes"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   60 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 3,
		LockStripes: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LockStripes <= 0 {
		c.LockStripes = d.LockStripes
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the local cache and retry queue.
type Store struct {
	driver Driver
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	locks  *keyLocks
	closed atomic.Bool
}

// New creates a Store over an open driver. The Store owns the driver and
// closes it in Close.
func New(driver Driver, cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		driver: driver,
		cfg:    cfg,
		clock:  clock.New(),
		logger: slog.Default(),
		locks:  newKeyLocks(cfg.LockStripes),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func validateKey(k Key) error {
	if err := faults.ValidateTenant(k.CompanyID); err != nil {
		return err
	}
	if k.Dataset == "" {
		return fmt.Errorf("%w: dataset is required", faults.ErrInvalidKey)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------------

// Get returns the cached entry for key.
//
// Outputs:
//   - CacheEntry: The last committed write for exactly this tenant and dataset.
//   - error: faults.ErrNotFound when nothing is cached.
func (s *Store) Get(ctx context.Context, key Key) (CacheEntry, error) {
	if err := validateKey(key); err != nil {
		return CacheEntry{}, err
	}
	e, err := s.driver.GetEntry(ctx, key)
	if err != nil {
		return CacheEntry{}, err
	}
	if e.Key != key {
		// A driver returning another tenant's row would break isolation.
		return CacheEntry{}, fmt.Errorf("%w: cache entry %s", faults.ErrNotFound, key)
	}
	return e, nil
}

// Set overwrites the cached entry for key.
func (s *Store) Set(ctx context.Context, key Key, payload []byte, source Source) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, key)
	}
	if source != SourceRemote && source != SourceLocal {
		return fmt.Errorf("unknown cache source %q", source)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	return s.driver.PutEntry(ctx, CacheEntry{
		Key:           key,
		Payload:       append(json.RawMessage(nil), payload...),
		LastWrittenAt: s.clock.Now().UTC(),
		Source:        source,
	})
}

// Apply merges a buffered write into the cached dataset op.Target, so
// rows already cached for the tenant stay readable while the write waits
// for the remote database. The merged entry is marked SourceLocal.
func (s *Store) Apply(ctx context.Context, op WriteOp) error {
	key := Key{CompanyID: op.CompanyID, Dataset: op.Target}
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(op.Payload) {
		return fmt.Errorf("%w: write to %s", ErrInvalidPayload, op.Target)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	var current json.RawMessage
	e, err := s.driver.GetEntry(ctx, key)
	switch {
	case err == nil && e.Key == key:
		current = e.Payload
	case err != nil && !errors.Is(err, faults.ErrNotFound):
		return err
	}

	merged, err := mergeRows(current, op)
	if err != nil {
		return err
	}
	return s.driver.PutEntry(ctx, CacheEntry{
		Key:           key,
		Payload:       merged,
		LastWrittenAt: s.clock.Now().UTC(),
		Source:        SourceLocal,
	})
}

// -----------------------------------------------------------------------------
// Retry queue
// -----------------------------------------------------------------------------

// EnqueueRetry records a failed remote write for later replay.
func (s *Store) EnqueueRetry(ctx context.Context, op WriteOp, cause error) (PendingWrite, error) {
	if err := faults.ValidateTenant(op.CompanyID); err != nil {
		return PendingWrite{}, err
	}
	if op.Target == "" {
		return PendingWrite{}, fmt.Errorf("%w: write target is required", faults.ErrInvalidKey)
	}
	if op.Operation == "" {
		op.Operation = OpInsert
	}
	if op.Operation != OpInsert && op.Operation != OpUpsert {
		return PendingWrite{}, fmt.Errorf("unknown write operation %q", op.Operation)
	}
	if !json.Valid(op.Payload) {
		return PendingWrite{}, fmt.Errorf("%w: write to %s", ErrInvalidPayload, op.Target)
	}

	now := s.clock.Now().UTC()
	pw := PendingWrite{
		ID:            uuid.NewString(),
		Op:            op,
		FirstFailedAt: now,
		NextAttemptAt: now.Add(s.cfg.BaseDelay),
		Status:        StatusPending,
	}
	if cause != nil {
		pw.LastError = cause.Error()
	}

	pw, err := s.driver.InsertPending(ctx, pw)
	if err != nil {
		return PendingWrite{}, fmt.Errorf("enqueue retry for %s: %w", op.CompanyID, err)
	}
	s.logger.Info("queued write for retry",
		"company_id", op.CompanyID,
		"target", op.Target,
		"pending_id", pw.ID,
		"next_attempt_at", pw.NextAttemptAt,
	)
	return pw, nil
}

// DequeueReady returns up to limit pending writes whose NextAttemptAt has
// passed, oldest first. Entries stay in the queue until MarkSucceeded or
// MarkFailed. limit <= 0 means no limit.
func (s *Store) DequeueReady(ctx context.Context, limit int) ([]PendingWrite, error) {
	return s.driver.ListReady(ctx, s.clock.Now().UTC(), limit)
}

// MarkSucceeded removes a replayed write.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	return s.driver.DeletePending(ctx, id)
}

// MarkFailed records a failed replay.
//
// # Description
//
// Increments AttemptCount and schedules the next attempt at
// now + BaseDelay*2^AttemptCount, capped at MaxDelay. Once AttemptCount
// reaches MaxAttempts the write becomes failed_permanent and is kept as a
// dead letter.
//
// # Outputs
//
//   - PendingWrite: The updated record.
//   - error: faults.ErrNotFound for an unknown id.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (PendingWrite, error) {
	pw, err := s.driver.GetPending(ctx, id)
	if err != nil {
		return PendingWrite{}, err
	}

	now := s.clock.Now().UTC()
	pw.AttemptCount++
	pw.LastAttemptAt = now
	if cause != nil {
		pw.LastError = cause.Error()
	}

	if pw.AttemptCount >= s.cfg.MaxAttempts {
		pw.Status = StatusFailedPermanent
		s.logger.Error("write permanently failed after retries",
			"company_id", pw.Op.CompanyID,
			"target", pw.Op.Target,
			"pending_id", pw.ID,
			"attempts", pw.AttemptCount,
			"error", pw.LastError,
		)
	} else {
		pw.NextAttemptAt = now.Add(s.backoff(pw.AttemptCount))
	}

	if err := s.driver.UpdatePending(ctx, pw); err != nil {
		return PendingWrite{}, err
	}
	return pw, nil
}

// backoff returns BaseDelay*2^attempt capped at MaxDelay.
func (s *Store) backoff(attempt int) time.Duration {
	d := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(s.cfg.MaxDelay) {
		return s.cfg.MaxDelay
	}
	return time.Duration(d)
}

// DeadLetters returns every failed_permanent write, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]PendingWrite, error) {
	return s.driver.ListByStatus(ctx, StatusFailedPermanent)
}

// Pending returns every pending write regardless of schedule.
func (s *Store) Pending(ctx context.Context) ([]PendingWrite, error) {
	return s.driver.ListByStatus(ctx, StatusPending)
}

// PendingCount returns the number of writes still awaiting replay.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	c, err := s.driver.Counts(ctx)
	return c.Pending, err
}

// Counts returns queue counts by status.
func (s *Store) Counts(ctx context.Context) (QueueCounts, error) {
	return s.driver.Counts(ctx)
}

// Requeue resets a failed_permanent write so it is replayed on the next
// pass.
func (s *Store) Requeue(ctx context.Context, id string) (PendingWrite, error) {
	pw, err := s.driver.GetPending(ctx, id)
	if err != nil {
		return PendingWrite{}, err
	}
	pw.Status = StatusPending
	pw.AttemptCount = 0
	pw.NextAttemptAt = s.clock.Now().UTC()
	if err := s.driver.UpdatePending(ctx, pw); err != nil {
		return PendingWrite{}, err
	}
	s.logger.Info("requeued write", "company_id", pw.Op.CompanyID, "pending_id", pw.ID)
	return pw, nil
}

// -----------------------------------------------------------------------------
// Predictions
// -----------------------------------------------------------------------------

// SavePrediction caches a model output. Empty input is stored as "latest".
func (s *Store) SavePrediction(ctx context.Context, companyID, predictionType string, input []byte, output, confidence json.RawMessage, modelVersion string) (Prediction, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return Prediction{}, err
	}
	if predictionType == "" {
		return Prediction{}, fmt.Errorf("%w: prediction type is required", faults.ErrInvalidKey)
	}
	if !json.Valid(output) {
		return Prediction{}, fmt.Errorf("%w: prediction output", ErrInvalidPayload)
	}
	if len(confidence) > 0 && !json.Valid(confidence) {
		return Prediction{}, fmt.Errorf("%w: prediction confidence", ErrInvalidPayload)
	}

	p := Prediction{
		CompanyID:      companyID,
		PredictionType: predictionType,
		InputHash:      InputHash(input),
		Output:         output,
		Confidence:     confidence,
		ModelVersion:   modelVersion,
		CachedAt:       s.clock.Now().UTC(),
	}
	if err := s.driver.PutPrediction(ctx, p); err != nil {
		return Prediction{}, err
	}
	return p, nil
}

// GetPrediction returns a cached prediction.
func (s *Store) GetPrediction(ctx context.Context, companyID, predictionType string, input []byte) (Prediction, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return Prediction{}, err
	}
	key := PredictionKey{CompanyID: companyID, PredictionType: predictionType, InputHash: InputHash(input)}
	p, err := s.driver.GetPrediction(ctx, key)
	if err != nil {
		return Prediction{}, err
	}
	if p.Key() != key {
		return Prediction{}, fmt.Errorf("%w: prediction %s", faults.ErrNotFound, key)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Ping checks that the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return s.driver.Ping(ctx)
}

// Close closes the driver. Later calls return an error.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errClosed
	}
	return s.driver.Close()
}

var errClosed = errors.New("local store is closed")
