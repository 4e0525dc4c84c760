// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// DefaultTenantColumn is the column every tenant-scoped table carries.
const DefaultTenantColumn = "company_id"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// TableConfig maps a dataset or write target to a table.
type TableConfig struct {
	// Table is "name" or "schema.name".
	Table string `yaml:"table" json:"table"`

	// ConflictKeys are the default upsert conflict columns.
	ConflictKeys []string `yaml:"conflict_keys" json:"conflict_keys"`
}

// PostgresConfig configures the Postgres client.
type PostgresConfig struct {
	// URL is a libpq connection string or postgres:// URL.
	URL string `yaml:"-" json:"-"`

	// MaxConns caps the pool. Default: 10
	MaxConns int32 `yaml:"max_conns" json:"max_conns"`

	// MinConns keeps idle connections warm. Default: 0
	MinConns int32 `yaml:"min_conns" json:"min_conns"`

	// ConnectTimeout bounds dialing a new connection. Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// TenantColumn is the tenant discriminator. Default: company_id
	TenantColumn string `yaml:"tenant_column" json:"tenant_column"`

	// Tables maps dataset and target names to tables. Names absent from
	// the map are used as the table name directly.
	Tables map[string]TableConfig `yaml:"tables" json:"tables"`
}

// Postgres implements Database on a pgx connection pool.
type Postgres struct {
	pool         *pgxpool.Pool
	tenantColumn string
	tables       map[string]TableConfig
	logger       *slog.Logger
}

// NewPostgres creates the connection pool.
//
// # Description
//
// The pool connects lazily, so an unreachable database at startup does not
// fail construction. The first Ping or query reports it instead, and the
// facade runs degraded until it recovers.
//
// # Outputs
//
//   - *Postgres: Ready client.
//   - error: faults.ConfigurationError for a missing or unparsable URL or an
//     invalid table mapping.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, &faults.ConfigurationError{Setting: "database_url"}
	}
	if cfg.TenantColumn == "" {
		cfg.TenantColumn = DefaultTenantColumn
	}
	if !identifierPattern.MatchString(cfg.TenantColumn) {
		return nil, &faults.ConfigurationError{Setting: "remote.tenant_column", Reason: "invalid identifier"}
	}
	for name, t := range cfg.Tables {
		if _, err := tableIdentifier(t.Table); err != nil {
			return nil, &faults.ConfigurationError{Setting: "remote.tables." + name, Reason: err.Error()}
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		// The URL may contain a password; do not echo it.
		return nil, &faults.ConfigurationError{Setting: "database_url", Reason: "unparsable connection string"}
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	logger.Info("remote database pool created",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"max_conns", poolCfg.MaxConns,
	)
	return &Postgres{
		pool:         pool,
		tenantColumn: cfg.TenantColumn,
		tables:       cfg.Tables,
		logger:       logger,
	}, nil
}

// Ping implements Database.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return classify(err, "")
	}
	return nil
}

// Fetch implements Database.
func (p *Postgres) Fetch(ctx context.Context, companyID, dataset string) ([]byte, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return nil, err
	}
	table, _, err := p.resolve(dataset)
	if err != nil {
		return nil, &faults.FatalProviderError{Provider: ProviderName, CompanyID: companyID, Err: err}
	}

	var out []byte
	if err := p.pool.QueryRow(ctx, buildFetchSQL(table, p.tenantColumn), companyID).Scan(&out); err != nil {
		return nil, classify(err, companyID)
	}
	return out, nil
}

// Write implements Database.
func (p *Postgres) Write(ctx context.Context, op localstore.WriteOp) error {
	if err := faults.ValidateTenant(op.CompanyID); err != nil {
		return err
	}
	table, defaultKeys, err := p.resolve(op.Target)
	if err != nil {
		return &faults.FatalProviderError{Provider: ProviderName, CompanyID: op.CompanyID, Err: err}
	}

	rows, columns, err := prepareRows(op.Payload, p.tenantColumn, op.CompanyID)
	if err != nil {
		return &faults.FatalProviderError{Provider: ProviderName, CompanyID: op.CompanyID, Err: err}
	}
	if len(rows) == 0 {
		return nil
	}

	conflict := op.ConflictKeys
	if len(conflict) == 0 {
		conflict = defaultKeys
	}
	query, err := buildWriteSQL(table, columns, op.Operation, conflict)
	if err != nil {
		return &faults.FatalProviderError{Provider: ProviderName, CompanyID: op.CompanyID, Err: err}
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return &faults.FatalProviderError{Provider: ProviderName, CompanyID: op.CompanyID, Err: err}
	}
	tag, err := p.pool.Exec(ctx, query, string(body))
	if err != nil {
		return classify(err, op.CompanyID)
	}
	p.logger.Debug("remote write applied",
		"company_id", op.CompanyID,
		"target", op.Target,
		"operation", op.Operation,
		"rows", tag.RowsAffected(),
	)
	return nil
}

// Close implements Database.
func (p *Postgres) Close() {
	p.pool.Close()
}

// resolve maps a dataset or target name to a quoted table identifier and
// its default conflict keys.
func (p *Postgres) resolve(name string) (string, []string, error) {
	t, ok := p.tables[name]
	if !ok {
		t = TableConfig{Table: name}
	}
	ident, err := tableIdentifier(t.Table)
	if err != nil {
		return "", nil, err
	}
	return ident, t.ConflictKeys, nil
}

// -----------------------------------------------------------------------------
// SQL construction
// -----------------------------------------------------------------------------

// tableIdentifier validates "name" or "schema.name" and returns it quoted.
func tableIdentifier(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: table %q", faults.ErrInvalidKey, name)
	}
	for _, part := range parts {
		if !identifierPattern.MatchString(part) {
			return "", fmt.Errorf("%w: table %q", faults.ErrInvalidKey, name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

func columnIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("%w: column %q", faults.ErrInvalidKey, name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

func buildFetchSQL(table, tenantColumn string) string {
	col := pgx.Identifier{tenantColumn}.Sanitize()
	return "SELECT COALESCE(jsonb_agg(to_jsonb(t)), '[]'::jsonb) FROM " + table +
		" AS t WHERE t." + col + " = $1"
}

// buildWriteSQL returns an INSERT that reads its rows from the single
// jsonb parameter $1.
func buildWriteSQL(table string, columns []string, op localstore.Operation, conflict []string) (string, error) {
	if len(columns) == 0 {
		return "", errors.New("write has no columns")
	}
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		q, err := columnIdentifier(c)
		if err != nil {
			return "", err
		}
		cols = append(cols, q)
	}
	colList := strings.Join(cols, ", ")

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(colList)
	b.WriteString(") SELECT ")
	b.WriteString(colList)
	b.WriteString(" FROM jsonb_populate_recordset(NULL::")
	b.WriteString(table)
	b.WriteString(", $1::jsonb)")

	switch op {
	case "", localstore.OpInsert:
		return b.String(), nil
	case localstore.OpUpsert:
	default:
		return "", fmt.Errorf("unknown write operation %q", op)
	}

	if len(conflict) == 0 {
		return "", errors.New("upsert requires conflict keys")
	}
	keys := make([]string, 0, len(conflict))
	isKey := make(map[string]bool, len(conflict))
	for _, k := range conflict {
		q, err := columnIdentifier(k)
		if err != nil {
			return "", err
		}
		keys = append(keys, q)
		isKey[k] = true
	}

	var sets []string
	for i, c := range columns {
		if isKey[c] {
			continue
		}
		sets = append(sets, cols[i]+" = EXCLUDED."+cols[i])
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString(") DO ")
	if len(sets) == 0 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String(), nil
}

// prepareRows decodes a JSON object or array of objects, stamps every row
// with companyID and returns the rows with the sorted union of their
// columns. A row naming a different tenant is rejected.
func prepareRows(payload []byte, tenantColumn, companyID string) ([]map[string]any, []string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil, localstore.ErrInvalidPayload
	}

	var rows []map[string]any
	if trimmed[0] == '{' {
		var row map[string]any
		if err := json.Unmarshal(trimmed, &row); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", localstore.ErrInvalidPayload, err)
		}
		rows = []map[string]any{row}
	} else if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", localstore.ErrInvalidPayload, err)
	}

	seen := map[string]bool{tenantColumn: true}
	columns := []string{tenantColumn}
	for i, row := range rows {
		if row == nil {
			return nil, nil, fmt.Errorf("%w: row %d is null", localstore.ErrInvalidPayload, i)
		}
		if v, ok := row[tenantColumn]; ok && v != nil {
			if s, isString := v.(string); !isString || s != companyID {
				return nil, nil, fmt.Errorf("%w: row %d belongs to another tenant", faults.ErrInvalidTenant, i)
			}
		}
		row[tenantColumn] = companyID
		for c := range row {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	sort.Strings(columns[1:])
	return rows, columns, nil
}

// -----------------------------------------------------------------------------
// Error classification
// -----------------------------------------------------------------------------

// fatalSQLStateClasses are data, integrity, authorization, catalog and
// syntax/permission errors. Replaying them cannot succeed.
var fatalSQLStateClasses = map[string]bool{
	"22": true,
	"23": true,
	"28": true, // invalid authorization specification
	"3D": true, // invalid catalog name
	"42": true,
}

// classify converts a pgx error into a provider error attributed to
// companyID.
func classify(err error, companyID string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && fatalSQLStateClasses[pgErr.Code[:2]] {
		return &faults.FatalProviderError{Provider: ProviderName, CompanyID: companyID, Err: err}
	}
	return &faults.TransientProviderError{Provider: ProviderName, CompanyID: companyID, Err: err}
}

var _ Database = (*Postgres)(nil)
