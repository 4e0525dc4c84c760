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
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
	"github.com/tactics-hq/tactics/services/resilience/observability"
	"github.com/tactics-hq/tactics/services/resilience/remote"
	"github.com/tactics-hq/tactics/services/resilience/retry"
)

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

// fakeRemote is an in-memory remote.Database with switchable failures.
type fakeRemote struct {
	mu       sync.Mutex
	data     map[localstore.Key][]byte
	writes   []localstore.WriteOp
	pingErr  error
	fetchErr error
	writeErr error
	fetches  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[localstore.Key][]byte)}
}

func (r *fakeRemote) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if down {
		err := &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("connection refused")}
		r.pingErr, r.fetchErr, r.writeErr = err, err, err
		return
	}
	r.pingErr, r.fetchErr, r.writeErr = nil, nil, nil
}

func (r *fakeRemote) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

func (r *fakeRemote) Fetch(_ context.Context, companyID, dataset string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	if b, ok := r.data[localstore.Key{CompanyID: companyID, Dataset: dataset}]; ok {
		return b, nil
	}
	return []byte(`[]`), nil
}

func (r *fakeRemote) Write(_ context.Context, op localstore.WriteOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.writes = append(r.writes, op)
	r.data[localstore.Key{CompanyID: op.CompanyID, Dataset: op.Target}] = op.Payload
	return nil
}

func (r *fakeRemote) Close() {}

func (r *fakeRemote) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

var _ remote.Database = (*fakeRemote)(nil)

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

type harness struct {
	facade *Facade
	store  *localstore.Store
	remote *fakeRemote
	clock  *clock.Mock
}

func newHarness(t *testing.T, bcfg breaker.Config) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)

	driver, err := localstore.OpenSQLite(context.Background(), localstore.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	require.NoError(t, err)
	store := localstore.New(driver, localstore.DefaultConfig(), localstore.WithClock(mock))
	t.Cleanup(func() { _ = store.Close() })

	rem := newFakeRemote()
	f, err := New(Deps{
		Registry:    breaker.NewRegistry(bcfg, nil, breaker.WithClock(mock)),
		RetryPolicy: retry.Policy{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2},
		Store:       store,
		Remote:      rem,
		Clock:       mock,
		Metrics:     observability.New(prometheus.NewRegistry()),
		CallTimeout: time.Second,
	})
	require.NoError(t, err)
	return &harness{facade: f, store: store, remote: rem, clock: mock}
}

// expireHealth moves past the health cache TTL.
func (h *harness) expireHealth() {
	h.clock.Add(10 * time.Second)
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_RequiresCollaborators(t *testing.T) {
	var cfgErr *faults.ConfigurationError

	_, err := New(Deps{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "breaker_registry", cfgErr.Setting)

	_, err = New(Deps{Registry: breaker.NewRegistry(breaker.DefaultConfig(), nil)})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "local_store", cfgErr.Setting)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func TestCheckDatabaseHealth(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()

	report := h.facade.CheckDatabaseHealth(ctx)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.RemoteAvailable)
	assert.True(t, report.LocalCacheAvailable)

	h.remote.setDown(true)
	report = h.facade.CheckDatabaseHealth(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.False(t, report.RemoteAvailable)
	assert.True(t, report.LocalCacheAvailable)
	assert.Contains(t, report.RemoteError, "connection refused")

	require.NoError(t, h.store.Close())
	report = h.facade.CheckDatabaseHealth(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.LocalCacheAvailable)
	assert.NotEmpty(t, report.CacheError)
}

func TestCheckDatabaseHealth_OpenBreakerSkipsNetwork(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	h.remote.setDown(true)
	report := h.facade.CheckDatabaseHealth(ctx)
	assert.False(t, report.RemoteAvailable)

	// Remote recovers but the breaker is still open.
	h.remote.setDown(false)
	report = h.facade.CheckDatabaseHealth(ctx)
	assert.False(t, report.RemoteAvailable)
	assert.Contains(t, report.RemoteError, "OPEN")

	h.clock.Add(time.Minute)
	report = h.facade.CheckDatabaseHealth(ctx)
	assert.True(t, report.RemoteAvailable)
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestSystemHealth(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	report := h.facade.SystemHealth(ctx)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Nil(t, report.Vault)

	err := h.facade.Call(ctx, "meta", "acme", func(context.Context) error {
		return &faults.TransientProviderError{Provider: "meta", CompanyID: "acme"}
	})
	require.Error(t, err)

	report = h.facade.SystemHealth(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, 1, report.OpenBreakers)
	assert.Equal(t, StatusHealthy, report.Database.Status)

	var names []string
	for _, s := range report.Breakers {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"database", "meta"}, names)
}

// -----------------------------------------------------------------------------
// Read / Write
// -----------------------------------------------------------------------------

func TestRead_WarmsCacheThenServesStale(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	key := localstore.Key{CompanyID: "acme", Dataset: "orders"}
	h.remote.data[key] = []byte(`[{"id":1}]`)

	entry, err := h.facade.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, localstore.SourceRemote, entry.Source)
	assert.JSONEq(t, `[{"id":1}]`, string(entry.Payload))

	h.remote.setDown(true)
	h.expireHealth()

	entry, err = h.facade.Read(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(entry.Payload))
	assert.True(t, testEpoch.Equal(entry.LastWrittenAt))

	_, err = h.facade.Read(ctx, localstore.Key{CompanyID: "beta", Dataset: "orders"})
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestRead_FetchFailureFallsBackToCache(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	key := localstore.Key{CompanyID: "acme", Dataset: "orders"}
	require.NoError(t, h.store.Set(ctx, key, []byte(`{"cached":true}`), localstore.SourceLocal))

	h.remote.mu.Lock()
	h.remote.fetchErr = &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("timeout")}
	h.remote.mu.Unlock()

	entry, err := h.facade.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, localstore.SourceLocal, entry.Source)
	assert.Equal(t, 1, h.remote.fetches)
}

func TestReadWrite_FailClosedWhenUnhealthy(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	require.NoError(t, h.store.Close())

	_, err := h.facade.Read(ctx, localstore.Key{CompanyID: "acme", Dataset: "orders"})
	assert.ErrorIs(t, err, faults.ErrUnavailable)
	assert.Contains(t, err.Error(), "acme")

	_, err = h.facade.Write(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, faults.ErrUnavailable)
	assert.Zero(t, h.remote.fetches)
}

func TestWrite_HealthyWritesThrough(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()

	out, err := h.facade.Write(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`[{"id":7}]`)})
	require.NoError(t, err)
	assert.True(t, out.Written)
	assert.False(t, out.Queued)
	assert.Equal(t, 1, h.remote.writeCount())

	entry, err := h.facade.Cache().Get(ctx, "acme", "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":7}]`, string(entry.Payload))
	assert.Equal(t, localstore.SourceLocal, entry.Source)
}

func TestWrite_FailedWriteIsQueuedThenReplayed(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	op := localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`[{"id":8}]`)}

	h.remote.mu.Lock()
	h.remote.writeErr = &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("timeout")}
	h.remote.mu.Unlock()

	out, err := h.facade.Write(ctx, op)
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.NotEmpty(t, out.PendingID)

	pending, err := h.store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.PendingID, pending[0].ID)

	h.remote.setDown(false)
	h.clock.Add(localstore.DefaultConfig().BaseDelay)

	report, err := h.facade.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, 1, h.remote.writeCount())

	n, err := h.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrite_DegradedQueuesWithoutRemoteAttempt(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	h.remote.setDown(true)

	out, err := h.facade.Write(ctx, localstore.WriteOp{CompanyID: "acme", Target: "events", Payload: []byte(`{"e":1}`)})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Contains(t, out.Reason, "unavailable")

	n, err := h.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWrite_QueuedInsertKeepsCachedRows(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	key := localstore.Key{CompanyID: "acme", Dataset: "orders"}
	h.remote.data[key] = []byte(`[{"id":1},{"id":2},{"id":3}]`)

	_, err := h.facade.Read(ctx, key)
	require.NoError(t, err)

	h.remote.setDown(true)
	h.expireHealth()

	out, err := h.facade.Write(ctx, localstore.WriteOp{
		CompanyID: "acme", Target: "orders", Operation: localstore.OpInsert, Payload: []byte(`{"id":4}`),
	})
	require.NoError(t, err)
	require.True(t, out.Queued)

	entry, err := h.facade.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, localstore.SourceLocal, entry.Source)
	assert.JSONEq(t, `[{"id":1},{"id":2},{"id":3},{"id":4}]`, string(entry.Payload))
}

func TestWrite_QueuedUpsertReplacesMatchingCachedRow(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	key := localstore.Key{CompanyID: "acme", Dataset: "integrations"}
	h.remote.data[key] = []byte(`[{"company_id":"acme","service":"shopify","v":1},{"company_id":"acme","service":"stripe","v":1}]`)

	_, err := h.facade.Read(ctx, key)
	require.NoError(t, err)

	h.remote.setDown(true)
	h.expireHealth()

	_, err = h.facade.Write(ctx, localstore.WriteOp{
		CompanyID:    "acme",
		Target:       "integrations",
		Operation:    localstore.OpUpsert,
		Payload:      []byte(`{"service":"stripe","v":2}`),
		ConflictKeys: []string{"company_id", "service"},
	})
	require.NoError(t, err)

	entry, err := h.facade.Read(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t,
		`[{"company_id":"acme","service":"shopify","v":1},{"service":"stripe","v":2}]`,
		string(entry.Payload))
}

func TestWrite_FatalErrorIsNotQueued(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()

	h.remote.mu.Lock()
	h.remote.writeErr = &faults.FatalProviderError{Provider: remote.ProviderName, CompanyID: "acme", Err: errors.New("unique violation")}
	h.remote.mu.Unlock()

	_, err := h.facade.Write(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))

	n, err := h.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWrite_RejectsInvalidTenant(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	_, err := h.facade.Write(context.Background(), localstore.WriteOp{CompanyID: "../x", Target: "orders", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, faults.ErrInvalidTenant)
}

// -----------------------------------------------------------------------------
// Retry queue
// -----------------------------------------------------------------------------

func TestProcessRetryQueue_SkippedWhenRemoteDown(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 10})
	ctx := context.Background()
	_, err := h.store.EnqueueRetry(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`{}`)}, nil)
	require.NoError(t, err)

	h.remote.setDown(true)
	h.clock.Add(time.Hour)

	report, err := h.facade.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, report.Remaining)
	assert.Zero(t, report.Attempted)
}

func TestProcessRetryQueue_MarksPermanentAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 100})
	ctx := context.Background()
	pw, err := h.store.EnqueueRetry(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`{}`)}, errors.New("first"))
	require.NoError(t, err)

	h.remote.mu.Lock()
	h.remote.writeErr = &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("still failing")}
	h.remote.mu.Unlock()

	var last ReplayReport
	for i := 0; i < localstore.DefaultConfig().MaxAttempts; i++ {
		h.clock.Add(2 * time.Hour)
		last, err = h.facade.ProcessRetryQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, last.Attempted, "pass %d", i)
	}
	assert.Equal(t, []string{pw.ID}, last.PermanentlyFailed)

	dead, err := h.facade.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "still failing")

	h.clock.Add(2 * time.Hour)
	last, err = h.facade.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, last.Attempted)
}

func TestProcessRetryQueue_OpenBreakerStopsBatch(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.store.EnqueueRetry(ctx, localstore.WriteOp{CompanyID: "acme", Target: "orders", Payload: []byte(`{}`)}, nil)
		require.NoError(t, err)
	}
	h.clock.Add(2 * time.Minute)

	h.remote.mu.Lock()
	h.remote.writeErr = &faults.TransientProviderError{Provider: remote.ProviderName, Err: errors.New("timeout")}
	h.remote.mu.Unlock()

	report, err := h.facade.ProcessRetryQueue(ctx)
	require.NoError(t, err)
	assert.True(t, report.StoppedByBreaker)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Failed)

	pending, err := h.store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Equal(t, 0, pending[1].AttemptCount, "rejected replay consumes no attempt")
}

// -----------------------------------------------------------------------------
// Guarded calls
// -----------------------------------------------------------------------------

func TestCall_OpenBreakerRejectsWithoutInvoking(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	var calls int32
	fail := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &faults.TransientProviderError{Provider: "klaviyo"}
	}
	require.Error(t, h.facade.Call(ctx, "klaviyo", "acme", fail))

	err := h.facade.Call(ctx, "klaviyo", "acme", fail)
	assert.True(t, faults.IsBreakerOpen(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCall_RetryComposesWithBreaker(t *testing.T) {
	driver, err := localstore.OpenSQLite(context.Background(), localstore.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	require.NoError(t, err)
	store := localstore.New(driver, localstore.DefaultConfig())
	defer store.Close()

	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 2}, nil)
	f, err := New(Deps{
		Registry:    registry,
		RetryPolicy: retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Store:       store,
		Remote:      newFakeRemote(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	var calls int
	err = f.Call(ctx, "stripe", "acme", func(context.Context) error {
		calls++
		if calls < 3 {
			return &faults.TransientProviderError{Provider: "stripe"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = f.Call(ctx, "stripe", "acme", func(context.Context) error {
		calls++
		return &faults.TransientProviderError{Provider: "stripe"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, registry.Get("stripe").Snapshot().FailureCount, "exhaustion is one breaker failure")

	calls = 0
	err = f.Call(ctx, "stripe", "acme", func(context.Context) error {
		calls++
		return &faults.FatalProviderError{Provider: "stripe", Status: 401}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "fatal errors are not retried")
	assert.Equal(t, breaker.Open, registry.Get("stripe").State())
}

func TestEndToEnd_ProviderTimeoutsTripBreaker(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 5, Cooldown: time.Minute})
	h.facade.callTimeout = 10 * time.Millisecond
	ctx := context.Background()

	var calls int32
	hang := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < 5; i++ {
		err := h.facade.Call(ctx, "shopify", "acme", hang)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, breaker.Open, h.facade.registry.Get("shopify").State())

	err := h.facade.Call(ctx, "shopify", "acme", hang)
	assert.True(t, faults.IsBreakerOpen(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))

	h.clock.Add(time.Minute)
	ok := func(context.Context) error { atomic.AddInt32(&calls, 1); return nil }
	require.NoError(t, h.facade.Call(ctx, "shopify", "acme", ok))
	assert.Equal(t, breaker.Closed, h.facade.registry.Get("shopify").State())
	require.NoError(t, h.facade.Call(ctx, "shopify", "acme", ok))
	assert.Equal(t, int32(7), atomic.LoadInt32(&calls))
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

func TestCache_SingleInstance(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	ctx := context.Background()

	assert.Same(t, h.facade.Cache(), h.facade.Cache())
	require.NoError(t, h.facade.Cache().Set(ctx, "acme", "kpis", []byte(`{"roas":3.1}`)))

	entry, err := h.facade.Cache().Get(ctx, "acme", "kpis")
	require.NoError(t, err)
	var body map[string]float64
	require.NoError(t, json.Unmarshal(entry.Payload, &body))
	assert.Equal(t, 3.1, body["roas"])

	_, err = h.facade.Cache().Get(ctx, "beta", "kpis")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestResetBreaker(t *testing.T) {
	h := newHarness(t, breaker.Config{FailureThreshold: 1})
	ctx := context.Background()

	_ = h.facade.Call(ctx, "ga4", "acme", func(context.Context) error {
		return &faults.TransientProviderError{Provider: "ga4"}
	})
	assert.True(t, h.facade.ResetBreaker("ga4"))
	assert.False(t, h.facade.ResetBreaker("unknown"))
	assert.Equal(t, breaker.Closed, h.facade.registry.Get("ga4").State())
}
