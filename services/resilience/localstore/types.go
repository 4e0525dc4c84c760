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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is returned when a payload is not valid JSON.
var ErrInvalidPayload = errors.New("payload must be valid JSON")

// Key identifies a cached dataset for one tenant.
type Key struct {
	CompanyID string `json:"company_id"`
	Dataset   string `json:"dataset"`
}

// String returns "company_id/dataset".
func (k Key) String() string {
	return k.CompanyID + "/" + k.Dataset
}

// Source records where a cache entry came from.
type Source string

const (
	// SourceRemote entries were fetched from the remote database.
	SourceRemote Source = "remote"

	// SourceLocal entries were written locally and may not be replicated yet.
	SourceLocal Source = "local"
)

// CacheEntry is the last known value of a dataset for a tenant.
type CacheEntry struct {
	Key           Key             `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	LastWrittenAt time.Time       `json:"last_written_at"`
	Source        Source          `json:"source"`
}

// Operation is the kind of remote write.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpsert Operation = "upsert"
)

// WriteOp is a write destined for the remote database.
type WriteOp struct {
	CompanyID string    `json:"company_id"`
	Target    string    `json:"target"`
	Operation Operation `json:"operation"`

	// Payload is a JSON object or array of row objects.
	Payload json.RawMessage `json:"payload"`

	// ConflictKeys are the columns an upsert conflicts on. Empty means the
	// target's configured defaults.
	ConflictKeys []string `json:"conflict_keys,omitempty"`
}

// Status is the state of a pending write.
type Status string

const (
	StatusPending         Status = "pending"
	StatusFailedPermanent Status = "failed_permanent"
)

// PendingWrite is a write that failed remotely and waits for replay.
type PendingWrite struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Op            WriteOp   `json:"op"`
	AttemptCount  int       `json:"attempt_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	Status        Status    `json:"status"`
}

// QueueCounts summarizes the retry queue.
type QueueCounts struct {
	Pending         int `json:"pending"`
	FailedPermanent int `json:"failed_permanent"`
}

// Prediction is a cached model output for a tenant.
type Prediction struct {
	CompanyID      string          `json:"company_id"`
	PredictionType string          `json:"prediction_type"`
	InputHash      string          `json:"input_hash"`
	Output         json.RawMessage `json:"output"`
	Confidence     json.RawMessage `json:"confidence,omitempty"`
	ModelVersion   string          `json:"model_version,omitempty"`
	CachedAt       time.Time       `json:"cached_at"`
}

// PredictionKey identifies a cached prediction. The three parts are kept
// separate because prediction types may contain any character.
type PredictionKey struct {
	CompanyID      string
	PredictionType string
	InputHash      string
}

func (k PredictionKey) String() string {
	return fmt.Sprintf("%s/%q/%s", k.CompanyID, k.PredictionType, k.InputHash)
}

// Key returns the prediction cache key.
func (p Prediction) Key() PredictionKey {
	return PredictionKey{CompanyID: p.CompanyID, PredictionType: p.PredictionType, InputHash: p.InputHash}
}

// LatestInput is the input hash used when a prediction has no input.
const LatestInput = "latest"

// InputHash returns the first 16 hex characters of sha256(input), or
// LatestInput for empty input.
func InputHash(input []byte) string {
	if len(input) == 0 {
		return LatestInput
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])[:16]
}
