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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tactics-hq/tactics/services/resilience"
	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// IntegrationsTarget is the table holding per-tenant provider credentials.
const IntegrationsTarget = "integrations"

// Credentials authenticate one tenant against one provider.
type Credentials struct {
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	AccountID    string            `json:"account_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// integrationRow is the stored form. Secret fields hold "enc:" tokens, or
// legacy plaintext written before encryption was introduced.
type integrationRow struct {
	CompanyID    string            `json:"company_id"`
	Service      string            `json:"service"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	AccountID    string            `json:"account_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CredentialStore persists provider credentials through the resilience
// facade, encrypting secret fields with the platform token codec.
//
// # Description
//
// A tenant's integrations are written as one upsert batch, so the cached
// copy always holds every service and Load keeps working while the remote
// database is down.
//
// # Thread Safety
//
// Safe for concurrent use. Saves are serialized.
type CredentialStore struct {
	facade *resilience.Facade
	codec  *encryption.TokenCodec
	logger *slog.Logger

	mu sync.Mutex
}

// NewCredentialStore builds a CredentialStore.
func NewCredentialStore(f *resilience.Facade, codec *encryption.TokenCodec, logger *slog.Logger) (*CredentialStore, error) {
	if codec == nil {
		return nil, &faults.ConfigurationError{Setting: "master_key", Reason: "credential encryption requires a master key"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{facade: f, codec: codec, logger: logger}, nil
}

// Save stores credentials for (companyID, service).
//
// # Outputs
//
//   - resilience.WriteOutcome: Written, or Queued while the remote is down.
//   - error: Validation, encryption or facade failures.
func (s *CredentialStore) Save(ctx context.Context, companyID, service string, c Credentials) (resilience.WriteOutcome, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return resilience.WriteOutcome{}, err
	}
	if service == "" {
		return resilience.WriteOutcome{}, fmt.Errorf("%w: service is required", faults.ErrInvalidKey)
	}

	row := integrationRow{
		CompanyID: companyID,
		Service:   service,
		AccountID: c.AccountID,
		Metadata:  c.Metadata,
	}
	var err error
	if row.AccessToken, err = s.codec.EncryptToken(c.AccessToken); err != nil {
		return resilience.WriteOutcome{}, err
	}
	if row.RefreshToken, err = s.codec.EncryptToken(c.RefreshToken); err != nil {
		return resilience.WriteOutcome{}, err
	}
	if row.APIKey, err = s.codec.EncryptToken(c.APIKey); err != nil {
		return resilience.WriteOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.loadRows(ctx, companyID)
	if err != nil && !errors.Is(err, faults.ErrNotFound) {
		return resilience.WriteOutcome{}, err
	}
	rows[service] = row

	batch := make([]integrationRow, 0, len(rows))
	for _, r := range rows {
		batch = append(batch, r)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Service < batch[j].Service })
	payload, err := json.Marshal(batch)
	if err != nil {
		return resilience.WriteOutcome{}, err
	}

	out, err := s.facade.Write(ctx, localstore.WriteOp{
		CompanyID:    companyID,
		Target:       IntegrationsTarget,
		Operation:    localstore.OpUpsert,
		Payload:      payload,
		ConflictKeys: []string{"company_id", "service"},
	})
	if err != nil {
		return resilience.WriteOutcome{}, err
	}
	s.logger.Info("integration credentials saved",
		"company_id", companyID,
		"service", service,
		"token_present", c.AccessToken != "" || c.APIKey != "",
		"queued", out.Queued,
	)
	return out, nil
}

// Load returns the decrypted credentials of every service for companyID.
// Legacy plaintext values are returned unchanged.
func (s *CredentialStore) Load(ctx context.Context, companyID string) (map[string]Credentials, error) {
	rows, err := s.loadRows(ctx, companyID)
	if errors.Is(err, faults.ErrNotFound) {
		return map[string]Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]Credentials, len(rows))
	for service, row := range rows {
		c := Credentials{AccountID: row.AccountID, Metadata: row.Metadata}
		if c.AccessToken, err = s.decrypt(companyID, service, "access_token", row.AccessToken); err != nil {
			return nil, err
		}
		if c.RefreshToken, err = s.decrypt(companyID, service, "refresh_token", row.RefreshToken); err != nil {
			return nil, err
		}
		if c.APIKey, err = s.decrypt(companyID, service, "api_key", row.APIKey); err != nil {
			return nil, err
		}
		out[service] = c
	}
	return out, nil
}

func (s *CredentialStore) decrypt(companyID, service, field, stored string) (string, error) {
	plain, err := s.codec.DecryptToken(stored)
	if err != nil {
		s.logger.Error("failed to decrypt integration credential",
			"company_id", companyID,
			"service", service,
			"field", field,
		)
		return "", &faults.DecryptionError{CompanyID: companyID, Key: service + "." + field, Err: err}
	}
	return plain, nil
}

// loadRows reads the tenant's integration rows keyed by service. The
// returned map is never nil.
func (s *CredentialStore) loadRows(ctx context.Context, companyID string) (map[string]integrationRow, error) {
	rows := make(map[string]integrationRow)
	entry, err := s.facade.Read(ctx, localstore.Key{CompanyID: companyID, Dataset: IntegrationsTarget})
	if err != nil {
		return rows, err
	}

	var list []integrationRow
	if err := json.Unmarshal(entry.Payload, &list); err != nil {
		var single integrationRow
		if err2 := json.Unmarshal(entry.Payload, &single); err2 != nil {
			return rows, fmt.Errorf("decode integrations for %s: %w", companyID, err)
		}
		list = []integrationRow{single}
	}
	for _, r := range list {
		// Rows for another tenant never reach callers.
		if r.CompanyID != "" && r.CompanyID != companyID {
			continue
		}
		if r.Service == "" {
			continue
		}
		r.CompanyID = companyID
		rows[r.Service] = r
	}
	return rows, nil
}
