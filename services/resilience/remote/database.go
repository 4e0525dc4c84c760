// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the client for the managed analytics database.
//
// Callers never use it directly on hot paths: the resilience facade wraps
// every call in the "database" circuit breaker and falls back to the local
// store when it fails.
package remote

import (
	"context"
	"fmt"

	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// ProviderName attributes remote errors in faults.TransientProviderError and
// faults.FatalProviderError.
const ProviderName = "database"

// Database is the remote store of record.
type Database interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Fetch returns every row of dataset belonging to companyID as a JSON
	// array.
	Fetch(ctx context.Context, companyID, dataset string) ([]byte, error)

	// Write applies op. Every row is written under op.CompanyID.
	Write(ctx context.Context, op localstore.WriteOp) error

	// Close releases connections.
	Close()
}

// Offline is the Database used when no remote URL is configured. Every call
// fails with faults.ErrUnavailable so the facade runs from the local store.
type Offline struct{}

func (Offline) unavailable(companyID string) error {
	return &faults.TransientProviderError{
		Provider:  ProviderName,
		CompanyID: companyID,
		Err:       fmt.Errorf("%w: remote database not configured", faults.ErrUnavailable),
	}
}

// Ping implements Database.
func (o Offline) Ping(context.Context) error { return o.unavailable("") }

// Fetch implements Database.
func (o Offline) Fetch(_ context.Context, companyID, _ string) ([]byte, error) {
	return nil, o.unavailable(companyID)
}

// Write implements Database.
func (o Offline) Write(_ context.Context, op localstore.WriteOp) error {
	return o.unavailable(op.CompanyID)
}

// Close implements Database.
func (Offline) Close() {}

var _ Database = Offline{}
