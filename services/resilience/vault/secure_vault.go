// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// Document categories.
const (
	CategoryRaw    = "raw"
	CategoryMeta   = "meta"
	CategoryModels = "models"
	CategoryAudit  = "audit"
)

const (
	healthCheckKey   = ".health_check"
	snapshotVersion  = "20060102_150405"
	auditMonthFormat = "200601"
)

// Observer receives one event per backend operation.
type Observer interface {
	VaultOperation(op, backend string, err error, elapsed time.Duration)
}

// Option configures a SecureVault.
type Option func(*SecureVault)

// WithClock sets the time source for snapshot versions and ids.
func WithClock(c clock.Clock) Option {
	return func(v *SecureVault) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *SecureVault) { v.logger = l }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(v *SecureVault) { v.observer = o }
}

// WithSelection records how the backend was chosen, for health output.
func WithSelection(s Selection) Option {
	return func(v *SecureVault) { v.selection = s }
}

// SecureVault stores per-tenant encrypted documents.
//
// # Description
//
// Every document is encrypted with the owning tenant's derived key and
// stored under "{company_id}/{category}/{name}". All listing is scoped to
// the tenant prefix, and results are filtered again before being returned,
// so one tenant can never enumerate or read another tenant's keys.
//
// # Thread Safety
//
// SecureVault is safe for concurrent use.
type SecureVault struct {
	backend   Backend
	keys      *encryption.Manager
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer
	selection Selection
}

// NewSecureVault creates a vault over backend.
func NewSecureVault(backend Backend, keys *encryption.Manager, opts ...Option) *SecureVault {
	v := &SecureVault{
		backend:   backend,
		keys:      keys,
		clock:     clock.New(),
		logger:    slog.Default(),
		selection: Selection{Kind: backend.Kind()},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Selection returns how the backend was chosen.
func (v *SecureVault) Selection() Selection {
	return v.selection
}

// tenantPrefix returns "{companyID}/" after validating companyID.
func tenantPrefix(companyID string) (string, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return "", err
	}
	return companyID + "/", nil
}

// DocumentKey builds the physical key for a document.
func DocumentKey(companyID, category, name string) (string, error) {
	prefix, err := tenantPrefix(companyID)
	if err != nil {
		return "", err
	}
	if category == "" || strings.Contains(category, "/") {
		return "", fmt.Errorf("%w: category %q", faults.ErrInvalidKey, category)
	}
	key := prefix + category + "/" + name
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func (v *SecureVault) observe(op string, start time.Time, err error) {
	if v.observer != nil {
		v.observer.VaultOperation(op, v.backend.Kind(), err, v.clock.Since(start))
	}
}

// StoreDocument encrypts payload and writes it to
// "{companyID}/{category}/{name}".
//
// # Outputs
//
//   - string: The physical key written.
//   - error: Validation, encryption or backend errors.
func (v *SecureVault) StoreDocument(ctx context.Context, companyID, category, name string, payload []byte) (key string, err error) {
	start := v.clock.Now()
	defer func() { v.observe("store", start, err) }()

	key, err = DocumentKey(companyID, category, name)
	if err != nil {
		return "", err
	}
	c, err := v.keys.ForTenant(companyID)
	if err != nil {
		return "", err
	}
	data, err := seal(c, payload)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", key, err)
	}
	if err := v.backend.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	v.logger.Debug("stored vault document", "company_id", companyID, "key", key, "bytes", len(payload))
	return key, nil
}

// RetrieveDocument returns the decrypted document named name.
//
// # Description
//
// name is either "category/name" or a bare name. The exact key is tried
// first; otherwise the tenant's keys are listed and the lexically latest
// key ending in "/"+name is used.
//
// # Outputs
//
//   - []byte: Decrypted payload.
//   - error: faults.ErrNotFound when absent, *faults.DecryptionError on
//     checksum or authentication failure.
func (v *SecureVault) RetrieveDocument(ctx context.Context, companyID, name string) (payload []byte, err error) {
	start := v.clock.Now()
	defer func() { v.observe("retrieve", start, err) }()

	key, err := v.resolve(ctx, companyID, name)
	if err != nil {
		return nil, err
	}
	return v.readKey(ctx, companyID, key)
}

func (v *SecureVault) resolve(ctx context.Context, companyID, name string) (string, error) {
	prefix, err := tenantPrefix(companyID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty document name", faults.ErrInvalidKey)
	}

	if strings.Contains(name, "/") {
		exact := prefix + name
		if err := ValidateKey(exact); err != nil {
			return "", err
		}
		if _, err := v.backend.Get(ctx, exact); err == nil {
			return exact, nil
		} else if !errors.Is(err, faults.ErrNotFound) {
			return "", err
		}
	}

	keys, err := v.ListKeys(ctx, companyID, "")
	if err != nil {
		return "", err
	}
	var match string
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+name) && k > match {
			match = k
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: document %q for tenant %s", faults.ErrNotFound, name, companyID)
	}
	return match, nil
}

func (v *SecureVault) readKey(ctx context.Context, companyID, key string) ([]byte, error) {
	data, err := v.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c, err := v.keys.ForTenant(companyID)
	if err != nil {
		return nil, err
	}
	plain, err := open(c, data)
	if err != nil {
		return nil, asDecryptionError(companyID, key, err)
	}
	return plain, nil
}

func asDecryptionError(companyID, key string, err error) error {
	var dec *faults.DecryptionError
	if errors.As(err, &dec) {
		return &faults.DecryptionError{CompanyID: companyID, Key: key, Err: dec.Err}
	}
	return &faults.DecryptionError{CompanyID: companyID, Key: key, Err: err}
}

// ListKeys lists the tenant's keys starting with "{companyID}/"+subprefix.
func (v *SecureVault) ListKeys(ctx context.Context, companyID, subprefix string) (keys []string, err error) {
	start := v.clock.Now()
	defer func() { v.observe("list", start, err) }()

	prefix, err := tenantPrefix(companyID)
	if err != nil {
		return nil, err
	}
	subprefix = strings.TrimPrefix(subprefix, "/")
	all, err := v.backend.ListKeys(ctx, prefix+subprefix)
	if err != nil {
		return nil, fmt.Errorf("list vault keys for %s: %w", companyID, err)
	}

	keys = make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) && !strings.HasSuffix(k, "/"+healthCheckKey) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DeleteDocument removes the document named name.
func (v *SecureVault) DeleteDocument(ctx context.Context, companyID, name string) (err error) {
	start := v.clock.Now()
	defer func() { v.observe("delete", start, err) }()

	key, err := v.resolve(ctx, companyID, name)
	if err != nil {
		return err
	}
	return v.backend.Delete(ctx, key)
}

// -----------------------------------------------------------------------------
// Raw data backups
// -----------------------------------------------------------------------------

// RawDataInfo describes an uploaded file backup.
type RawDataInfo struct {
	VaultID          string    `json:"vault_id"`
	OriginalFilename string    `json:"original_filename"`
	DataType         string    `json:"data_type"`
	SizeBytes        int       `json:"size_bytes"`
	Encrypted        bool      `json:"encrypted"`
	Timestamp        time.Time `json:"timestamp"`
	Key              string    `json:"location"`
}

// StoreRawData backs up an uploaded file under
// "raw/{dataType}/{vaultID}_{filename}" with metadata under
// "meta/{vaultID}.json".
func (v *SecureVault) StoreRawData(ctx context.Context, companyID, filename string, content []byte, dataType string) (RawDataInfo, error) {
	if dataType == "" {
		dataType = "csv"
	}
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return RawDataInfo{}, fmt.Errorf("%w: filename %q", faults.ErrInvalidKey, filename)
	}
	now := v.clock.Now().UTC()
	sum := sha256.Sum256([]byte(filename + now.Format(time.RFC3339Nano)))
	vaultID := hex.EncodeToString(sum[:])[:16]

	key, err := v.StoreDocument(ctx, companyID, CategoryRaw, dataType+"/"+vaultID+"_"+filename, content)
	if err != nil {
		return RawDataInfo{}, err
	}

	info := RawDataInfo{
		VaultID:          vaultID,
		OriginalFilename: filename,
		DataType:         dataType,
		SizeBytes:        len(content),
		Encrypted:        true,
		Timestamp:        now,
		Key:              key,
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return RawDataInfo{}, err
	}
	if _, err := v.StoreDocument(ctx, companyID, CategoryMeta, vaultID+".json", meta); err != nil {
		return RawDataInfo{}, err
	}
	v.logger.Info("stored raw data", "company_id", companyID, "vault_id", vaultID, "data_type", dataType)
	return info, nil
}

// RetrieveRawData returns the backup stored under vaultID.
func (v *SecureVault) RetrieveRawData(ctx context.Context, companyID, vaultID string) ([]byte, error) {
	keys, err := v.ListKeys(ctx, companyID, CategoryRaw+"/")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if strings.Contains(k, "/"+vaultID+"_") {
			return v.readKey(ctx, companyID, k)
		}
	}
	return nil, fmt.Errorf("%w: raw data %s for tenant %s", faults.ErrNotFound, vaultID, companyID)
}

// -----------------------------------------------------------------------------
// Model snapshots
// -----------------------------------------------------------------------------

// ModelSnapshot is a stored model state.
type ModelSnapshot struct {
	ModelName string          `json:"model_name"`
	Version   string          `json:"version"`
	State     json.RawMessage `json:"state"`
	Metrics   map[string]any  `json:"metrics"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ModelName string    `json:"model_name"`
	Version   string    `json:"version"`
	Key       string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreModelSnapshot stores state under "models/{model}/{version}.json"
// where version is the UTC time formatted YYYYMMDD_HHMMSS.
func (v *SecureVault) StoreModelSnapshot(ctx context.Context, companyID, model string, state any, metrics map[string]any, reason string) (SnapshotInfo, error) {
	if model == "" || strings.ContainsAny(model, `/\`) {
		return SnapshotInfo{}, fmt.Errorf("%w: model name %q", faults.ErrInvalidKey, model)
	}
	if reason == "" {
		reason = "scheduled"
	}
	if metrics == nil {
		metrics = map[string]any{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encode model state: %w", err)
	}

	now := v.clock.Now().UTC()
	snap := ModelSnapshot{
		ModelName: model,
		Version:   now.Format(snapshotVersion),
		State:     stateJSON,
		Metrics:   metrics,
		Reason:    reason,
		Timestamp: now,
	}
	content, err := json.Marshal(snap)
	if err != nil {
		return SnapshotInfo{}, err
	}

	key, err := v.StoreDocument(ctx, companyID, CategoryModels, model+"/"+snap.Version+".json", content)
	if err != nil {
		return SnapshotInfo{}, err
	}
	v.logger.Info("stored model snapshot", "company_id", companyID, "model", model, "version", snap.Version)
	return SnapshotInfo{ModelName: model, Version: snap.Version, Key: key, Timestamp: now}, nil
}

// ListModelSnapshots returns the snapshot keys for model, oldest first.
func (v *SecureVault) ListModelSnapshots(ctx context.Context, companyID, model string) ([]string, error) {
	if model == "" || strings.ContainsAny(model, `/\`) {
		return nil, fmt.Errorf("%w: model name %q", faults.ErrInvalidKey, model)
	}
	keys, err := v.ListKeys(ctx, companyID, CategoryModels+"/"+model+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// RestoreModelSnapshot returns the snapshot with the given version, or the
// latest one when version is "" or "latest".
func (v *SecureVault) RestoreModelSnapshot(ctx context.Context, companyID, model, version string) (ModelSnapshot, error) {
	keys, err := v.ListModelSnapshots(ctx, companyID, model)
	if err != nil {
		return ModelSnapshot{}, err
	}
	if len(keys) == 0 {
		return ModelSnapshot{}, fmt.Errorf("%w: no snapshots of %s for tenant %s", faults.ErrNotFound, model, companyID)
	}

	key := keys[len(keys)-1]
	if version != "" && version != "latest" {
		key = ""
		for _, k := range keys {
			if strings.HasSuffix(k, "/"+version+".json") {
				key = k
				break
			}
		}
		if key == "" {
			return ModelSnapshot{}, fmt.Errorf("%w: snapshot %s/%s for tenant %s", faults.ErrNotFound, model, version, companyID)
		}
	}

	content, err := v.readKey(ctx, companyID, key)
	if err != nil {
		return ModelSnapshot{}, err
	}
	var snap ModelSnapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return ModelSnapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}

// -----------------------------------------------------------------------------
// Audit documents
// -----------------------------------------------------------------------------

// AuditInfo describes a stored audit document.
type AuditInfo struct {
	DocID     string    `json:"doc_id"`
	DocType   string    `json:"doc_type"`
	DocName   string    `json:"doc_name"`
	Key       string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreAuditDocument stores content under
// "audit/{docType}/{yyyymm}/{docName}". An empty docName becomes
// "{docType}_{docID}".
func (v *SecureVault) StoreAuditDocument(ctx context.Context, companyID, docType string, content []byte, docName string) (AuditInfo, error) {
	if docType == "" || strings.ContainsAny(docType, `/\`) {
		return AuditInfo{}, fmt.Errorf("%w: audit type %q", faults.ErrInvalidKey, docType)
	}
	now := v.clock.Now().UTC()
	sum := sha256.Sum256([]byte(docType + now.Format(time.RFC3339Nano)))
	docID := hex.EncodeToString(sum[:])[:12]
	if docName == "" {
		docName = docType + "_" + docID
	}

	key, err := v.StoreDocument(ctx, companyID, CategoryAudit, docType+"/"+now.Format(auditMonthFormat)+"/"+docName, content)
	if err != nil {
		return AuditInfo{}, err
	}
	return AuditInfo{DocID: docID, DocType: docType, DocName: docName, Key: key, Timestamp: now}, nil
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthStatus is the result of a vault connectivity check.
type HealthStatus struct {
	Backend           string `json:"backend"`
	Fallback          bool   `json:"fallback"`
	FallbackReason    string `json:"fallback_reason,omitempty"`
	EncryptionEnabled bool   `json:"encryption_enabled"`
	CompanyID         string `json:"company_id"`
	Connected         bool   `json:"connected"`
	Error             string `json:"error,omitempty"`
}

// HealthCheck writes, reads back and deletes "{companyID}/.health_check".
func (v *SecureVault) HealthCheck(ctx context.Context, companyID string) HealthStatus {
	status := HealthStatus{
		Backend:           v.backend.Kind(),
		Fallback:          v.selection.Fallback,
		FallbackReason:    v.selection.Reason,
		EncryptionEnabled: v.keys != nil,
		CompanyID:         companyID,
	}

	prefix, err := tenantPrefix(companyID)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	key := prefix + healthCheckKey
	marker := []byte("ok")

	if err := v.backend.Put(ctx, key, marker); err != nil {
		status.Error = err.Error()
		return status
	}
	got, err := v.backend.Get(ctx, key)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if err := v.backend.Delete(ctx, key); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Connected = bytes.Equal(got, marker)
	return status
}
