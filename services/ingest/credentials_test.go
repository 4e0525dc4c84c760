// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

func TestNewCredentialStore_RequiresCodec(t *testing.T) {
	_, err := NewCredentialStore(nil, nil, nil)
	var cfgErr *faults.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "master_key", cfgErr.Setting)
}

func TestCredentialStore_SaveEncryptsAndLoadDecrypts(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := cs.Save(ctx, "acme", "shopify", Credentials{AccessToken: "shpat_secret", AccountID: "store-1"})
	require.NoError(t, err)
	assert.True(t, out.Written)
	_, err = cs.Save(ctx, "acme", "stripe", Credentials{APIKey: "sk_live_123"})
	require.NoError(t, err)

	writes := fx.remote.writesTo(IntegrationsTarget)
	require.Len(t, writes, 2)
	last := writes[1]
	assert.Equal(t, localstore.OpUpsert, last.Operation)
	assert.Equal(t, []string{"company_id", "service"}, last.ConflictKeys)
	assert.NotContains(t, string(last.Payload), "shpat_secret")
	assert.NotContains(t, string(last.Payload), "sk_live_123")

	var rows []integrationRow
	require.NoError(t, json.Unmarshal(last.Payload, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "shopify", rows[0].Service)
	assert.True(t, strings.HasPrefix(rows[0].AccessToken, encryption.TokenPrefix))
	assert.True(t, strings.HasPrefix(rows[1].APIKey, encryption.TokenPrefix))

	creds, err := cs.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "shpat_secret", creds["shopify"].AccessToken)
	assert.Equal(t, "store-1", creds["shopify"].AccountID)
	assert.Equal(t, "sk_live_123", creds["stripe"].APIKey)
}

func TestCredentialStore_LoadWhileRemoteDownUsesCache(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cs.Save(ctx, "acme", "shopify", Credentials{AccessToken: "tok"})
	require.NoError(t, err)

	fx.remote.setDown(true)
	fx.expireHealth()

	creds, err := cs.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tok", creds["shopify"].AccessToken)

	out, err := cs.Save(ctx, "acme", "stripe", Credentials{APIKey: "key"})
	require.NoError(t, err)
	assert.True(t, out.Queued)

	creds, err = cs.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestCredentialStore_LegacyPlaintextPassesThrough(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)

	fx.remote.data[localstore.Key{CompanyID: "acme", Dataset: IntegrationsTarget}] =
		[]byte(`[{"company_id":"acme","service":"legacy","access_token":"plain-token"}]`)

	creds, err := cs.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", creds["legacy"].AccessToken)
}

func TestCredentialStore_DropsForeignTenantRows(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)

	fx.remote.data[localstore.Key{CompanyID: "acme", Dataset: IntegrationsTarget}] =
		[]byte(`[{"company_id":"beta","service":"shopify","access_token":"x"},{"company_id":"acme","service":"stripe"}]`)

	creds, err := cs.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
	assert.Contains(t, creds, "stripe")
}

func TestCredentialStore_TamperedTokenIsDecryptionError(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)

	fx.remote.data[localstore.Key{CompanyID: "acme", Dataset: IntegrationsTarget}] =
		[]byte(`[{"company_id":"acme","service":"shopify","access_token":"enc:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}]`)

	_, err = cs.Load(context.Background(), "acme")
	var decErr *faults.DecryptionError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "shopify.access_token", decErr.Key)
	assert.NotContains(t, err.Error(), "AAAAAAAA")
}

func TestCredentialStore_LoadEmptyTenant(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)

	creds, err := cs.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestCredentialStore_SaveValidates(t *testing.T) {
	fx := newFixture(t)
	cs, err := NewCredentialStore(fx.facade, fx.codec, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cs.Save(ctx, "", "shopify", Credentials{})
	assert.ErrorIs(t, err, faults.ErrInvalidTenant)

	_, err = cs.Save(ctx, "acme", "", Credentials{})
	assert.ErrorIs(t, err, faults.ErrInvalidKey)
}
