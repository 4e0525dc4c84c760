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
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// TokenPrefix marks a stored credential as encrypted.
const TokenPrefix = "enc:"

// Token is a stored credential value: either EncryptedToken or
// PlaintextToken.
type Token interface {
	// Encode returns the stored representation.
	Encode() string
	isToken()
}

// EncryptedToken is a nonce||ciphertext blob sealed with the platform key.
type EncryptedToken struct {
	Blob []byte
}

// Encode returns "enc:" followed by standard base64 of the blob.
func (t EncryptedToken) Encode() string {
	return TokenPrefix + base64.StdEncoding.EncodeToString(t.Blob)
}

func (EncryptedToken) isToken() {}

// PlaintextToken is a legacy credential stored before encryption was
// enabled. It is passed through unchanged.
type PlaintextToken struct {
	Value string
}

// Encode returns the value unchanged.
func (t PlaintextToken) Encode() string {
	return t.Value
}

func (PlaintextToken) isToken() {}

// ParseToken classifies a stored credential value.
//
// Outputs:
//   - Token: EncryptedToken when the value has the "enc:" prefix,
//     PlaintextToken otherwise.
//   - error: *faults.DecryptionError when the prefix is present but the
//     payload is not valid base64.
func ParseToken(stored string) (Token, error) {
	encoded, ok := strings.CutPrefix(stored, TokenPrefix)
	if !ok {
		return PlaintextToken{Value: stored}, nil
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &faults.DecryptionError{Key: "token", Err: fmt.Errorf("malformed token encoding: %w", err)}
	}
	return EncryptedToken{Blob: blob}, nil
}

// IsEncrypted reports whether a stored value carries the "enc:" prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, TokenPrefix)
}

// TokenCodec encrypts integration credentials with the platform key.
//
// # Description
//
// Values without the "enc:" prefix are legacy plaintext and are returned
// unchanged by DecryptToken. A value with the prefix that fails to decode
// or authenticate is an error; the ciphertext is never returned as if it
// were the credential.
//
// # Example
//
//	codec, _ := encryption.NewTokenCodec(manager)
//	stored, _ := codec.EncryptToken(accessToken) // "enc:..."
//	plain, _ := codec.DecryptToken(stored)
type TokenCodec struct {
	cipher *Cipher
}

// NewTokenCodec builds a codec over the manager's platform key.
func NewTokenCodec(m *Manager) (*TokenCodec, error) {
	c, err := m.Platform()
	if err != nil {
		return nil, err
	}
	return &TokenCodec{cipher: c}, nil
}

// EncryptToken returns "enc:" + base64(nonce||ciphertext). Empty input
// returns empty output.
func (tc *TokenCodec) EncryptToken(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	blob, err := tc.cipher.Seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	return EncryptedToken{Blob: blob}.Encode(), nil
}

// DecryptToken reverses EncryptToken. Unprefixed values pass through.
func (tc *TokenCodec) DecryptToken(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	tok, err := ParseToken(stored)
	if err != nil {
		return "", err
	}
	switch t := tok.(type) {
	case PlaintextToken:
		return t.Value, nil
	case EncryptedToken:
		plain, err := tc.cipher.Open(t.Blob)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("unknown token type %T", tok)
	}
}
