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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tactics-hq/tactics/services/resilience/encryption"
)

// EnvelopeVersion is the current envelope format.
const EnvelopeVersion = 1

var (
	errChecksumMismatch = errors.New("envelope checksum mismatch")
	errMalformed        = errors.New("malformed envelope")
)

// Envelope is the stored form of a vault document.
//
// Checksum is the hex SHA-256 of Ciphertext. It catches storage corruption
// before decryption is attempted; tampering is caught by the GCM tag.
type Envelope struct {
	Version    int    `json:"v"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Checksum   string `json:"checksum"`
}

func checksum(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

// seal encrypts payload and encodes the envelope.
func seal(c *encryption.Cipher, payload []byte) ([]byte, error) {
	ct, nonce, err := c.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:    EnvelopeVersion,
		Nonce:      nonce,
		Ciphertext: ct,
		Checksum:   checksum(ct),
	})
}

// open decodes and decrypts an envelope.
func open(c *encryption.Cipher, data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errMalformed, env.Version)
	}
	if subtle.ConstantTimeCompare([]byte(checksum(env.Ciphertext)), []byte(env.Checksum)) != 1 {
		return nil, errChecksumMismatch
	}
	return c.Decrypt(env.Ciphertext, env.Nonce)
}
