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
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
)

type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) VaultOperation(op, backend string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.ops = append(r.ops, op+":"+backend+":"+status)
}

func newTestVault(t *testing.T) (*SecureVault, *LocalBackend, *clock.Mock) {
	t.Helper()
	keys, err := encryption.NewManager([]byte("vault test secret"), encryption.WithIterations(encryption.MinIterations))
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))

	backend := newLocal(t)
	return NewSecureVault(backend, keys, WithClock(mock)), backend, mock
}

func TestSecureVault_StoreAndRetrieve(t *testing.T) {
	v, backend, _ := newTestVault(t)
	ctx := context.Background()
	payload := []byte(`{"orders": 42}`)

	key, err := v.StoreDocument(ctx, "acme", "reports", "weekly.json", payload)
	require.NoError(t, err)
	assert.Equal(t, "acme/reports/weekly.json", key)

	raw, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "orders")

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Len(t, env.Nonce, encryption.NonceSize)
	assert.Equal(t, checksum(env.Ciphertext), env.Checksum)

	got, err := v.RetrieveDocument(ctx, "acme", "reports/weekly.json")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = v.RetrieveDocument(ctx, "acme", "weekly.json")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSecureVault_RetrieveBareNamePicksLatestMatch(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.StoreDocument(ctx, "acme", "a", "doc.txt", []byte("first"))
	require.NoError(t, err)
	_, err = v.StoreDocument(ctx, "acme", "b", "doc.txt", []byte("second"))
	require.NoError(t, err)

	got, err := v.RetrieveDocument(ctx, "acme", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestSecureVault_TenantIsolation(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.StoreDocument(ctx, "acme", "reports", "q1.json", []byte("acme data"))
	require.NoError(t, err)
	_, err = v.StoreDocument(ctx, "acme2", "reports", "q1.json", []byte("acme2 data"))
	require.NoError(t, err)

	keys, err := v.ListKeys(ctx, "acme", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/reports/q1.json"}, keys)

	_, err = v.RetrieveDocument(ctx, "globex", "q1.json")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	got, err := v.RetrieveDocument(ctx, "acme2", "q1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("acme2 data"), got)
}

func TestSecureVault_RequiresTenant(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.ListKeys(ctx, "", "")
	assert.ErrorIs(t, err, faults.ErrInvalidTenant)

	_, err = v.StoreDocument(ctx, "..", "raw", "x", []byte("x"))
	assert.ErrorIs(t, err, faults.ErrInvalidTenant)

	_, err = v.StoreDocument(ctx, "acme", "raw", "../../globex/raw/x", []byte("x"))
	assert.ErrorIs(t, err, faults.ErrInvalidKey)

	_, err = v.RetrieveDocument(ctx, "acme", "../globex/raw/x")
	assert.ErrorIs(t, err, faults.ErrInvalidKey)
}

func TestSecureVault_CrossTenantCiphertextFails(t *testing.T) {
	v, backend, _ := newTestVault(t)
	ctx := context.Background()

	key, err := v.StoreDocument(ctx, "acme", "raw", "x.csv", []byte("secret"))
	require.NoError(t, err)
	data, err := backend.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "globex/raw/x.csv", data))

	_, err = v.RetrieveDocument(ctx, "globex", "raw/x.csv")
	var decErr *faults.DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "globex", decErr.CompanyID)
	assert.Equal(t, "globex/raw/x.csv", decErr.Key)
}

func TestSecureVault_ChecksumMismatch(t *testing.T) {
	v, backend, _ := newTestVault(t)
	ctx := context.Background()

	key, err := v.StoreDocument(ctx, "acme", "raw", "x.csv", []byte("secret"))
	require.NoError(t, err)
	data, err := backend.Get(ctx, key)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.Ciphertext[0] ^= 0xff
	corrupted, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, key, corrupted))

	_, err = v.RetrieveDocument(ctx, "acme", "raw/x.csv")
	var decErr *faults.DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.ErrorIs(t, err, errChecksumMismatch)
}

func TestSecureVault_Delete(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.StoreDocument(ctx, "acme", "raw", "x.csv", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, v.DeleteDocument(ctx, "acme", "raw/x.csv"))

	_, err = v.RetrieveDocument(ctx, "acme", "raw/x.csv")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestSecureVault_RawData(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	info, err := v.StoreRawData(ctx, "acme", "orders.csv", []byte("id,total\n1,10\n"), "")
	require.NoError(t, err)
	assert.Len(t, info.VaultID, 16)
	assert.Equal(t, "csv", info.DataType)
	assert.Equal(t, "acme/raw/csv/"+info.VaultID+"_orders.csv", info.Key)

	got, err := v.RetrieveRawData(ctx, "acme", info.VaultID)
	require.NoError(t, err)
	assert.Equal(t, "id,total\n1,10\n", string(got))

	meta, err := v.RetrieveDocument(ctx, "acme", "meta/"+info.VaultID+".json")
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"original_filename":"orders.csv"`)

	_, err = v.RetrieveRawData(ctx, "acme2", info.VaultID)
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestSecureVault_ModelSnapshots(t *testing.T) {
	v, _, mock := newTestVault(t)
	ctx := context.Background()

	first, err := v.StoreModelSnapshot(ctx, "acme", "forecaster", map[string]int{"w": 1}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "20250314_092653", first.Version)
	assert.Equal(t, "acme/models/forecaster/20250314_092653.json", first.Key)

	mock.Add(time.Hour)
	_, err = v.StoreModelSnapshot(ctx, "acme", "forecaster", map[string]int{"w": 2}, map[string]any{"mape": 0.1}, "retrain")
	require.NoError(t, err)

	keys, err := v.ListModelSnapshots(ctx, "acme", "forecaster")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	latest, err := v.RestoreModelSnapshot(ctx, "acme", "forecaster", "latest")
	require.NoError(t, err)
	assert.Equal(t, "20250314_102653", latest.Version)
	assert.JSONEq(t, `{"w": 2}`, string(latest.State))
	assert.Equal(t, "retrain", latest.Reason)

	old, err := v.RestoreModelSnapshot(ctx, "acme", "forecaster", first.Version)
	require.NoError(t, err)
	assert.JSONEq(t, `{"w": 1}`, string(old.State))
	assert.Equal(t, "scheduled", old.Reason)

	_, err = v.RestoreModelSnapshot(ctx, "acme", "forecaster", "19990101_000000")
	assert.ErrorIs(t, err, faults.ErrNotFound)

	_, err = v.RestoreModelSnapshot(ctx, "globex", "forecaster", "")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestSecureVault_AuditDocument(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	info, err := v.StoreAuditDocument(ctx, "acme", "validation", []byte("report"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Key, "acme/audit/validation/202503/validation_"))
	assert.Len(t, info.DocID, 12)

	named, err := v.StoreAuditDocument(ctx, "acme", "integrity", []byte("ok"), "scan.json")
	require.NoError(t, err)
	assert.Equal(t, "acme/audit/integrity/202503/scan.json", named.Key)
}

func TestSecureVault_HealthCheck(t *testing.T) {
	v, _, _ := newTestVault(t)
	ctx := context.Background()

	status := v.HealthCheck(ctx, "acme")
	assert.True(t, status.Connected)
	assert.Equal(t, KindLocal, status.Backend)
	assert.True(t, status.EncryptionEnabled)
	assert.Empty(t, status.Error)

	keys, err := v.ListKeys(ctx, "acme", "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	bad := v.HealthCheck(ctx, "")
	assert.False(t, bad.Connected)
	assert.NotEmpty(t, bad.Error)
}

func TestSecureVault_Observer(t *testing.T) {
	keys, err := encryption.NewManager([]byte("observer secret"), encryption.WithIterations(encryption.MinIterations))
	require.NoError(t, err)
	rec := &opRecorder{}
	v := NewSecureVault(newLocal(t), keys, WithObserver(rec), WithSelection(Selection{Kind: KindLocal, Fallback: true, Reason: "gcs down"}))
	ctx := context.Background()

	_, err = v.StoreDocument(ctx, "acme", "raw", "x", []byte("x"))
	require.NoError(t, err)
	_, err = v.RetrieveDocument(ctx, "acme", "raw/missing")
	require.Error(t, err)

	assert.Contains(t, rec.ops, "store:local:ok")
	assert.Contains(t, rec.ops, "retrieve:local:error")

	status := v.HealthCheck(ctx, "acme")
	assert.True(t, status.Fallback)
	assert.Equal(t, "gcs down", status.FallbackReason)
}
