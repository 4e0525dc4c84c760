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
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteConfig configures the SQLite driver.
type SQLiteConfig struct {
	// Path is the database file. Parent directories are created 0700.
	Path string

	// BusyTimeout bounds how long a writer waits for a lock. Default: 5s
	BusyTimeout time.Duration

	Logger *slog.Logger
}

// SQLiteDriver stores the cache and retry queue in an embedded SQLite
// database opened in WAL mode.
type SQLiteDriver struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database and applies pending
// migrations.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteDriver, error) {
	if cfg.Path == "" {
		return nil, &faults.ConfigurationError{Setting: "local_store.path"}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create local store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", cfg.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database %s: %w", cfg.Path, err)
	}

	d := &SQLiteDriver{db: db, path: cfg.Path, logger: cfg.Logger}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database %s: %w", cfg.Path, err)
	}
	return d, nil
}

// -----------------------------------------------------------------------------
// Migrations
// -----------------------------------------------------------------------------

func (d *SQLiteDriver) userVersion(ctx context.Context) (int, error) {
	var v int
	if err := d.db.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, err
	}
	return v, nil
}

// migrate applies every embedded script whose numeric prefix is greater
// than PRAGMA user_version. Each script sets user_version itself.
func (d *SQLiteDriver) migrate(ctx context.Context) error {
	source, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	list, err := fs.ReadDir(source, ".")
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	if len(list) == 0 {
		return nil
	}

	current, err := d.userVersion(ctx)
	if err != nil {
		return err
	}
	final, err := scriptVersion(list[len(list)-1].Name())
	if err != nil {
		return err
	}
	if final > current {
		d.logger.Info("applying local store migrations", "from", current, "to", final)
	}

	for _, f := range list {
		v, err := scriptVersion(f.Name())
		if err != nil {
			return err
		}
		c, err := d.userVersion(ctx)
		if err != nil {
			return err
		}
		if v <= c {
			continue
		}
		script, err := fs.ReadFile(source, f.Name())
		if err != nil {
			return err
		}
		d.logger.Debug("executing local store migration", "migration_name", f.Name())
		if err := d.execTx(ctx, string(script)); err != nil {
			return fmt.Errorf("migration %s: %w", f.Name(), err)
		}
	}
	return nil
}

func (d *SQLiteDriver) execTx(ctx context.Context, script string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// scriptVersion extracts 2 from "0002_migration_name.sql".
func scriptVersion(filename string) (int, error) {
	return strconv.Atoi(strings.Split(filename, "_")[0])
}

// -----------------------------------------------------------------------------
// Rows
// -----------------------------------------------------------------------------

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type entryRow struct {
	CompanyID     string `db:"company_id"`
	Dataset       string `db:"dataset"`
	Payload       []byte `db:"payload"`
	Source        string `db:"source"`
	LastWrittenAt int64  `db:"last_written_at"`
}

type pendingRow struct {
	Seq           uint64 `db:"seq"`
	ID            string `db:"id"`
	CompanyID     string `db:"company_id"`
	Target        string `db:"target"`
	Operation     string `db:"operation"`
	ConflictKeys  string `db:"conflict_keys"`
	Payload       []byte `db:"payload"`
	AttemptCount  int    `db:"attempt_count"`
	FirstFailedAt int64  `db:"first_failed_at"`
	LastAttemptAt int64  `db:"last_attempt_at"`
	NextAttemptAt int64  `db:"next_attempt_at"`
	LastError     string `db:"last_error"`
	Status        string `db:"status"`
}

var pendingColumns = []string{
	"seq", "id", "company_id", "target", "operation", "conflict_keys", "payload",
	"attempt_count", "first_failed_at", "last_attempt_at", "next_attempt_at", "last_error", "status",
}

func (r pendingRow) toPendingWrite() PendingWrite {
	var keys []string
	if r.ConflictKeys != "" {
		_ = json.Unmarshal([]byte(r.ConflictKeys), &keys)
	}
	return PendingWrite{
		ID:  r.ID,
		Seq: r.Seq,
		Op: WriteOp{
			CompanyID:    r.CompanyID,
			Target:       r.Target,
			Operation:    Operation(r.Operation),
			Payload:      r.Payload,
			ConflictKeys: keys,
		},
		AttemptCount:  r.AttemptCount,
		FirstFailedAt: fromUnix(r.FirstFailedAt),
		LastAttemptAt: fromUnix(r.LastAttemptAt),
		NextAttemptAt: fromUnix(r.NextAttemptAt),
		LastError:     r.LastError,
		Status:        Status(r.Status),
	}
}

func encodeConflictKeys(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

type predictionRow struct {
	CompanyID      string `db:"company_id"`
	PredictionType string `db:"prediction_type"`
	InputHash      string `db:"input_hash"`
	Output         []byte `db:"output"`
	Confidence     []byte `db:"confidence"`
	ModelVersion   string `db:"model_version"`
	CachedAt       int64  `db:"cached_at"`
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", faults.ErrNotFound, what)
	}
	return err
}

// -----------------------------------------------------------------------------
// Cache entries
// -----------------------------------------------------------------------------

// GetEntry implements Driver.
func (d *SQLiteDriver) GetEntry(ctx context.Context, key Key) (CacheEntry, error) {
	query, args, err := sq.Select("company_id", "dataset", "payload", "source", "last_written_at").
		From("cache_entries").
		Where(sq.Eq{"company_id": key.CompanyID, "dataset": key.Dataset}).
		ToSql()
	if err != nil {
		return CacheEntry{}, err
	}

	var row entryRow
	if err := d.db.GetContext(ctx, &row, query, args...); err != nil {
		return CacheEntry{}, notFound(err, "cache entry "+key.String())
	}
	return CacheEntry{
		Key:           Key{CompanyID: row.CompanyID, Dataset: row.Dataset},
		Payload:       row.Payload,
		LastWrittenAt: fromUnix(row.LastWrittenAt),
		Source:        Source(row.Source),
	}, nil
}

// PutEntry implements Driver.
func (d *SQLiteDriver) PutEntry(ctx context.Context, e CacheEntry) error {
	query, args, err := sq.Insert("cache_entries").
		Columns("company_id", "dataset", "payload", "source", "last_written_at").
		Values(e.Key.CompanyID, e.Key.Dataset, []byte(e.Payload), string(e.Source), toUnix(e.LastWrittenAt)).
		Suffix("ON CONFLICT (company_id, dataset) DO UPDATE SET " +
			"payload = excluded.payload, source = excluded.source, last_written_at = excluded.last_written_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, query, args...)
	return err
}

// -----------------------------------------------------------------------------
// Retry queue
// -----------------------------------------------------------------------------

// InsertPending implements Driver.
func (d *SQLiteDriver) InsertPending(ctx context.Context, pw PendingWrite) (PendingWrite, error) {
	query, args, err := sq.Insert("pending_writes").
		Columns("id", "company_id", "target", "operation", "conflict_keys", "payload",
			"attempt_count", "first_failed_at", "last_attempt_at", "next_attempt_at", "last_error", "status").
		Values(pw.ID, pw.Op.CompanyID, pw.Op.Target, string(pw.Op.Operation), encodeConflictKeys(pw.Op.ConflictKeys),
			[]byte(pw.Op.Payload), pw.AttemptCount, toUnix(pw.FirstFailedAt), toUnix(pw.LastAttemptAt),
			toUnix(pw.NextAttemptAt), pw.LastError, string(pw.Status)).
		ToSql()
	if err != nil {
		return PendingWrite{}, err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return PendingWrite{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return PendingWrite{}, err
	}
	pw.Seq = uint64(seq)
	return pw, nil
}

// GetPending implements Driver.
func (d *SQLiteDriver) GetPending(ctx context.Context, id string) (PendingWrite, error) {
	query, args, err := sq.Select(pendingColumns...).From("pending_writes").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return PendingWrite{}, err
	}
	var row pendingRow
	if err := d.db.GetContext(ctx, &row, query, args...); err != nil {
		return PendingWrite{}, notFound(err, "pending write "+id)
	}
	return row.toPendingWrite(), nil
}

// UpdatePending implements Driver.
func (d *SQLiteDriver) UpdatePending(ctx context.Context, pw PendingWrite) error {
	query, args, err := sq.Update("pending_writes").
		SetMap(map[string]interface{}{
			"attempt_count":   pw.AttemptCount,
			"last_attempt_at": toUnix(pw.LastAttemptAt),
			"next_attempt_at": toUnix(pw.NextAttemptAt),
			"last_error":      pw.LastError,
			"status":          string(pw.Status),
		}).
		Where(sq.Eq{"id": pw.ID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: pending write %s", faults.ErrNotFound, pw.ID)
	}
	return nil
}

// DeletePending implements Driver.
func (d *SQLiteDriver) DeletePending(ctx context.Context, id string) error {
	query, args, err := sq.Delete("pending_writes").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, query, args...)
	return err
}

// ListReady implements Driver.
func (d *SQLiteDriver) ListReady(ctx context.Context, now time.Time, limit int) ([]PendingWrite, error) {
	b := sq.Select(pendingColumns...).
		From("pending_writes").
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": toUnix(now)}).
		OrderBy("first_failed_at ASC", "seq ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return d.selectPending(ctx, b)
}

// ListByStatus implements Driver.
func (d *SQLiteDriver) ListByStatus(ctx context.Context, status Status) ([]PendingWrite, error) {
	b := sq.Select(pendingColumns...).
		From("pending_writes").
		Where(sq.Eq{"status": string(status)}).
		OrderBy("first_failed_at ASC", "seq ASC")
	return d.selectPending(ctx, b)
}

func (d *SQLiteDriver) selectPending(ctx context.Context, b sq.SelectBuilder) ([]PendingWrite, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []pendingRow
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]PendingWrite, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPendingWrite())
	}
	return out, nil
}

// Counts implements Driver.
func (d *SQLiteDriver) Counts(ctx context.Context) (QueueCounts, error) {
	query, args, err := sq.Select("status", "COUNT(*) AS n").From("pending_writes").GroupBy("status").ToSql()
	if err != nil {
		return QueueCounts{}, err
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return QueueCounts{}, err
	}
	var c QueueCounts
	for _, r := range rows {
		switch Status(r.Status) {
		case StatusPending:
			c.Pending = r.N
		case StatusFailedPermanent:
			c.FailedPermanent = r.N
		}
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Predictions
// -----------------------------------------------------------------------------

// PutPrediction implements Driver.
func (d *SQLiteDriver) PutPrediction(ctx context.Context, p Prediction) error {
	var confidence []byte
	if len(p.Confidence) > 0 {
		confidence = p.Confidence
	}
	query, args, err := sq.Insert("predictions").
		Columns("company_id", "prediction_type", "input_hash", "output", "confidence", "model_version", "cached_at").
		Values(p.CompanyID, p.PredictionType, p.InputHash, []byte(p.Output), confidence, p.ModelVersion, toUnix(p.CachedAt)).
		Suffix("ON CONFLICT (company_id, prediction_type, input_hash) DO UPDATE SET " +
			"output = excluded.output, confidence = excluded.confidence, " +
			"model_version = excluded.model_version, cached_at = excluded.cached_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, query, args...)
	return err
}

// GetPrediction implements Driver.
func (d *SQLiteDriver) GetPrediction(ctx context.Context, key PredictionKey) (Prediction, error) {
	query, args, err := sq.Select("company_id", "prediction_type", "input_hash", "output", "confidence", "model_version", "cached_at").
		From("predictions").
		Where(sq.Eq{
			"company_id":      key.CompanyID,
			"prediction_type": key.PredictionType,
			"input_hash":      key.InputHash,
		}).
		ToSql()
	if err != nil {
		return Prediction{}, err
	}
	var row predictionRow
	if err := d.db.GetContext(ctx, &row, query, args...); err != nil {
		return Prediction{}, notFound(err, "prediction "+key.String())
	}
	return Prediction{
		CompanyID:      row.CompanyID,
		PredictionType: row.PredictionType,
		InputHash:      row.InputHash,
		Output:         row.Output,
		Confidence:     row.Confidence,
		ModelVersion:   row.ModelVersion,
		CachedAt:       fromUnix(row.CachedAt),
	}, nil
}

// Ping implements Driver.
func (d *SQLiteDriver) Ping(ctx context.Context) error {
	var one int
	return d.db.GetContext(ctx, &one, "SELECT 1")
}

// Close implements Driver.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}

var _ Driver = (*SQLiteDriver)(nil)
