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
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tactics-hq/tactics/services/resilience"
	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/encryption"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/remote"
	"github.com/tactics-hq/tactics/services/resilience/retry"
)

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// memRemote stores the last payload written to each (tenant, target).
type memRemote struct {
	mu     sync.Mutex
	data   map[localstore.Key][]byte
	writes []localstore.WriteOp
	down   bool
}

func newMemRemote() *memRemote {
	return &memRemote{data: make(map[localstore.Key][]byte)}
}

func (r *memRemote) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *memRemote) err() error {
	if r.down {
		return &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("connection refused")}
	}
	return nil
}

func (r *memRemote) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err()
}

func (r *memRemote) Fetch(_ context.Context, companyID, dataset string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.err(); err != nil {
		return nil, err
	}
	if b, ok := r.data[localstore.Key{CompanyID: companyID, Dataset: dataset}]; ok {
		return b, nil
	}
	return []byte(`[]`), nil
}

func (r *memRemote) Write(_ context.Context, op localstore.WriteOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.err(); err != nil {
		return err
	}
	r.writes = append(r.writes, op)
	r.data[localstore.Key{CompanyID: op.CompanyID, Dataset: op.Target}] = op.Payload
	return nil
}

func (r *memRemote) Close() {}

func (r *memRemote) writesTo(target string) []localstore.WriteOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []localstore.WriteOp
	for _, w := range r.writes {
		if w.Target == target {
			out = append(out, w)
		}
	}
	return out
}

var _ remote.Database = (*memRemote)(nil)

type fixture struct {
	facade  *resilience.Facade
	store   *localstore.Store
	remote  *memRemote
	clock   *clock.Mock
	metrics *observability.Metrics
	reg     *prometheus.Registry
	codec   *encryption.TokenCodec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)

	driver, err := localstore.OpenSQLite(context.Background(), localstore.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	require.NoError(t, err)
	store := localstore.New(driver, localstore.DefaultConfig(), localstore.WithClock(mock))
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)
	rem := newMemRemote()
	f, err := resilience.New(resilience.Deps{
		Registry:    breaker.NewRegistry(breaker.Config{FailureThreshold: 3}, nil, breaker.WithClock(mock)),
		RetryPolicy: retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		Store:       store,
		Remote:      rem,
		Clock:       mock,
		Metrics:     metrics,
		CallTimeout: time.Second,
	})
	require.NoError(t, err)

	m, err := encryption.NewManager([]byte("ingest-test-master-key"), encryption.WithIterations(encryption.MinIterations))
	require.NoError(t, err)
	codec, err := encryption.NewTokenCodec(m)
	require.NoError(t, err)

	return &fixture{facade: f, store: store, remote: rem, clock: mock, metrics: metrics, reg: reg, codec: codec}
}

// expireHealth moves past the facade's cached health report.
func (fx *fixture) expireHealth() {
	fx.clock.Add(10 * time.Second)
}
