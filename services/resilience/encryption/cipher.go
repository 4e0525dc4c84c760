// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// NonceSize is the AES-GCM nonce length in bytes.
const NonceSize = 12

var errShortBlob = errors.New("ciphertext shorter than nonce")

// Cipher encrypts and decrypts with one derived key.
//
// Every call to Encrypt draws a fresh random nonce. Authentication failures
// are reported as *faults.DecryptionError and never return partial
// plaintext.
type Cipher struct {
	scope string
	key   []byte
	aead  cipher.AEAD
}

// Scope returns the tenant (or PlatformScope) the key belongs to.
func (c *Cipher) Scope() string {
	return c.scope
}

// Encrypt seals plaintext under a new random nonce.
//
// Outputs:
//   - ciphertext: Encrypted data followed by the 16-byte GCM tag.
//   - nonce: The 12-byte nonce needed to decrypt.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext sealed with nonce.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, c.decryptionError(fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce)))
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, c.decryptionError(err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	return append(blob, ciphertext...), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (c *Cipher) Open(blob []byte) ([]byte, error) {
	if len(blob) < NonceSize {
		return nil, c.decryptionError(errShortBlob)
	}
	return c.Decrypt(blob[NonceSize:], blob[:NonceSize])
}

func (c *Cipher) decryptionError(err error) error {
	companyID := c.scope
	if companyID == PlatformScope {
		companyID = ""
	}
	return &faults.DecryptionError{CompanyID: companyID, Err: err}
}
