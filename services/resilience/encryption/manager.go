// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package encryption derives per-tenant keys from a master secret and
// provides AES-256-GCM authenticated encryption.
//
// # Description
//
// The Manager holds the master secret inside a memguard Enclave. Each tenant
// gets its own 32-byte key derived with PBKDF2-HMAC-SHA256 and a
// tenant-specific salt, so a document encrypted for one company can never be
// decrypted with another company's key. A platform key (fixed salt) is used
// for integration credentials.
//
// # Thread Safety
//
// Manager and Cipher are safe for concurrent use.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

const (
	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 100_000

	// MinIterations is the lowest work factor accepted.
	MinIterations = 10_000

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// saltPrefix is versioned so keys can be rotated by changing it.
	saltPrefix = "tactics_vault_v1"
)

// PlatformScope is the scope name reported for platform-key errors.
const PlatformScope = "platform"

// Option configures a Manager.
type Option func(*Manager)

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(m *Manager) { m.iterations = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager derives and caches per-tenant ciphers.
//
// # Description
//
// Derivation is deliberately slow (PBKDF2), so derived ciphers are cached
// per tenant for the life of the process. Concurrent first requests for the
// same tenant share a single derivation.
//
// # Example
//
//	m, err := encryption.NewManager([]byte(os.Getenv("TACTICS_MASTER_KEY")))
//	if err != nil {
//	    return err // *faults.ConfigurationError when the secret is empty
//	}
//	c, err := m.ForTenant("acme")
//	blob, err := c.Seal(payload)
type Manager struct {
	master     *memguard.Enclave
	iterations int
	logger     *slog.Logger

	mu      sync.RWMutex
	ciphers map[string]*Cipher
	group   singleflight.Group

	platformOnce sync.Once
	platform     *Cipher
	platformErr  error
}

// NewManager creates a Manager from the master secret.
//
// # Inputs
//
//   - secret: Master secret. The slice is wiped once it has been moved into
//     protected memory.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Manager: Ready to use.
//   - error: *faults.ConfigurationError if the secret is empty or the
//     iteration count is below MinIterations.
func NewManager(secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, &faults.ConfigurationError{Setting: "master_key"}
	}

	m := &Manager{
		iterations: DefaultIterations,
		logger:     slog.Default(),
		ciphers:    make(map[string]*Cipher),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.iterations < MinIterations {
		return nil, &faults.ConfigurationError{
			Setting: "pbkdf2_iterations",
			Reason:  fmt.Sprintf("%d is below the minimum of %d", m.iterations, MinIterations),
		}
	}

	checkSecureMemory(m.logger)
	m.master = memguard.NewEnclave(secret)
	return m, nil
}

// TenantSalt returns the PBKDF2 salt for companyID.
func TenantSalt(companyID string) []byte {
	return []byte(saltPrefix + ":" + companyID)
}

// DeriveKey returns the 32-byte key for companyID.
//
// # Inputs
//
//   - companyID: Tenant identifier. Must pass faults.ValidateTenant.
//
// # Outputs
//
//   - []byte: A copy of the derived key.
//   - error: Validation or enclave errors.
func (m *Manager) DeriveKey(companyID string) ([]byte, error) {
	c, err := m.ForTenant(companyID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(c.key))
	copy(out, c.key)
	return out, nil
}

// ForTenant returns the cipher for companyID, deriving it on first use.
func (m *Manager) ForTenant(companyID string) (*Cipher, error) {
	if err := faults.ValidateTenant(companyID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	c, ok := m.ciphers[companyID]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := m.group.Do(companyID, func() (interface{}, error) {
		m.mu.RLock()
		cached, ok := m.ciphers[companyID]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		derived, err := m.newCipher(companyID, TenantSalt(companyID))
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.ciphers[companyID] = derived
		m.mu.Unlock()

		m.logger.Debug("derived tenant key", "company_id", companyID)
		return derived, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cipher), nil
}

// Platform returns the cipher used for platform-owned secrets such as
// integration credentials.
func (m *Manager) Platform() (*Cipher, error) {
	m.platformOnce.Do(func() {
		m.platform, m.platformErr = m.newCipher(PlatformScope, []byte(saltPrefix))
	})
	return m.platform, m.platformErr
}

// CachedTenants returns how many tenant keys have been derived.
func (m *Manager) CachedTenants() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ciphers)
}

func (m *Manager) newCipher(scope string, salt []byte) (*Cipher, error) {
	buf, err := m.master.Open()
	if err != nil {
		return nil, fmt.Errorf("open master key enclave: %w", err)
	}
	defer buf.Destroy()

	key := pbkdf2.Key(buf.Bytes(), salt, m.iterations, KeySize, sha256.New)
	return newCipher(scope, key)
}

func newCipher(scope string, key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{scope: scope, key: key, aead: aead}, nil
}
