// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"

	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// Cache is the local cache as seen by ingestion and analytics code. It
// never performs network I/O.
type Cache interface {
	// Get returns the last known payload for (companyID, dataset), or
	// faults.ErrNotFound.
	Get(ctx context.Context, companyID, dataset string) (localstore.CacheEntry, error)

	// Set overwrites the payload for (companyID, dataset).
	Set(ctx context.Context, companyID, dataset string, value []byte) error
}

type cacheClient struct {
	store *localstore.Store
}

func (c *cacheClient) Get(ctx context.Context, companyID, dataset string) (localstore.CacheEntry, error) {
	return c.store.Get(ctx, localstore.Key{CompanyID: companyID, Dataset: dataset})
}

func (c *cacheClient) Set(ctx context.Context, companyID, dataset string, value []byte) error {
	return c.store.Set(ctx, localstore.Key{CompanyID: companyID, Dataset: dataset}, value, localstore.SourceLocal)
}

var _ Cache = (*cacheClient)(nil)
