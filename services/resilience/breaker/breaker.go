// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-integration circuit breakers.
//
// # Description
//
// A Breaker wraps every call to one external integration (a commerce API, an
// ad network, the managed database). After repeated failures it stops calling
// the integration for a cooldown period and rejects callers immediately with
// a *faults.BreakerOpenError so they can fall back to cached data.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[successes]◄── HALF_OPEN ◄─┘
//	                      [cooldown]
//
// # Thread Safety
//
// Breaker and Registry are safe for concurrent use. A Breaker never performs
// I/O itself; only the wrapped function does.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// State represents the state of a circuit breaker.
type State int

const (
	// Closed is the normal operating state.
	Closed State = iota

	// Open means the breaker has tripped and calls are rejected.
	Open

	// HalfOpen means a bounded number of trial calls are let through.
	HalfOpen
)

// String returns the state name used in logs, metrics and health output.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures a single breaker.
//
// # Example
//
//	cfg := breaker.Config{
//	    FailureThreshold: 5,                // open after 5 failures in the window
//	    Window:           time.Minute,
//	    Cooldown:         2 * time.Minute,  // stay open for 2 minutes
//	    HalfOpenMaxCalls: 1,
//	    SuccessThreshold: 1,
//	}
type Config struct {
	// FailureThreshold is the number of failures inside Window that opens
	// the breaker. Default: 5
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// Window is the rolling window failures are counted in. A failure
	// arriving after the window has elapsed starts a new count.
	// Default: 60s
	Window time.Duration `yaml:"window" json:"window"`

	// Cooldown is how long the breaker stays open before allowing trial
	// calls. Default: 60s
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// HalfOpenMaxCalls bounds concurrent trial calls in HALF_OPEN.
	// Default: 1
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// SuccessThreshold is the number of consecutive trial successes that
	// closes the breaker. Default: 1
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultConfig returns the defaults applied to integrations without an
// explicit override.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

// withDefaults fills zero fields from base.
func (c Config) withDefaults(base Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = base.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = base.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = base.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}
	return c
}

// Observer receives breaker events. It is called synchronously after the
// breaker lock has been released, so implementations must be fast.
type Observer interface {
	BreakerTransition(name string, from, to State)
	BreakerRejected(name string)
}

// Option customizes a Breaker or every breaker built by a Registry.
type Option func(*options)

type options struct {
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

// WithClock sets the time source. Tests pass a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers an observer for transitions and rejections.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	FailureCount      int           `json:"failure_count"`
	OpenedAt          time.Time     `json:"opened_at,omitzero"`
	HalfOpenSuccesses int           `json:"half_open_successes"`
	RetryAfter        time.Duration `json:"retry_after_ns,omitempty"`
	Rejected          uint64        `json:"rejected"`
	Opened            uint64        `json:"opened"`
	Config            Config        `json:"config"`
}

// Breaker is the circuit breaker for one integration.
//
// # Description
//
// Failures are counted inside a rolling window while CLOSED. Reaching
// FailureThreshold opens the breaker. After Cooldown the breaker moves to
// HALF_OPEN and lets at most HalfOpenMaxCalls concurrent trial calls
// through. A trial failure reopens the breaker, SuccessThreshold
// consecutive trial successes close it.
//
// Any non-nil error from the wrapped function is a failure, including
// context.DeadlineExceeded and context.Canceled, so a provider that hangs
// until the caller gives up still trips the breaker.
//
// # Thread Safety
//
// Breaker is safe for concurrent use. One mutex guards all state.
//
// # Example
//
//	b := breaker.New("shopify", breaker.DefaultConfig())
//	err := b.Execute(ctx, func(ctx context.Context) error {
//	    return client.FetchOrders(ctx)
//	})
//	if errors.Is(err, faults.ErrBreakerOpen) {
//	    // integration is known to be down, serve cached data
//	}
type Breaker struct {
	name string
	cfg  Config
	opts options

	mu                sync.Mutex
	state             State
	generation        uint64
	failures          int
	windowStart       time.Time
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	rejected          uint64
	opened            uint64
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
	at       time.Time
	reason   string
}

// New creates a breaker in the CLOSED state.
//
// # Inputs
//
//   - name: Integration name, used in errors, logs and metrics.
//   - cfg: Thresholds. Zero fields take DefaultConfig values.
//   - opts: Clock, logger and observer.
//
// # Outputs
//
//   - *Breaker: Ready to use.
func New(name string, cfg Config, opts ...Option) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(DefaultConfig()),
		opts:  buildOptions(opts),
		state: Closed,
	}
}

// Name returns the integration name.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Execute runs fn if the breaker allows it and records the outcome.
//
// # Description
//
// When the breaker rejects the call, fn is not invoked and a
// *faults.BreakerOpenError is returned. Otherwise fn runs with ctx and its
// error (or nil) is returned unchanged after being recorded.
//
// # Inputs
//
//   - ctx: Passed to fn. A context that is already done returns its error
//     without invoking fn or touching breaker state.
//   - fn: The guarded call.
//
// # Outputs
//
//   - error: *faults.BreakerOpenError, ctx.Err(), or the error from fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	gen, rejectErr := b.acquire()
	if rejectErr != nil {
		return rejectErr
	}

	// A panicking fn still releases its slot, counted as a failure.
	released := false
	defer func() {
		if released {
			return
		}
		r := recover()
		b.release(gen, fmt.Errorf("%s call panicked: %v", b.name, r))
		if r != nil {
			panic(r)
		}
	}()

	err := fn(ctx)
	released = true
	b.release(gen, err)
	return err
}

// acquire decides whether a call may proceed and reserves a trial slot in
// HALF_OPEN.
func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	now := b.opts.clock.Now()
	t := b.refreshLocked(now)

	var rejectErr *faults.BreakerOpenError
	switch b.state {
	case Open:
		rejectErr = &faults.BreakerOpenError{
			Integration: b.name,
			RetryAfter:  b.cfg.Cooldown - now.Sub(b.openedAt),
		}
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			rejectErr = &faults.BreakerOpenError{Integration: b.name}
		} else {
			b.halfOpenInFlight++
		}
	}
	if rejectErr != nil {
		b.rejected++
	}
	gen := b.generation
	b.mu.Unlock()

	b.notify(t)
	if rejectErr != nil {
		if b.opts.observer != nil {
			b.opts.observer.BreakerRejected(b.name)
		}
		return 0, rejectErr
	}
	return gen, nil
}

// release records the outcome of a call admitted in generation gen.
// Outcomes from an earlier generation are ignored.
func (b *Breaker) release(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	now := b.opts.clock.Now()

	var t *transition
	if err != nil {
		t = b.onFailureLocked(now, err)
	} else {
		t = b.onSuccessLocked(now)
	}
	b.mu.Unlock()

	b.notify(t)
}

func (b *Breaker) onFailureLocked(now time.Time, err error) *transition {
	switch b.state {
	case Closed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			return b.transitionLocked(Open, now, fmt.Sprintf("%d failures within %s: %v", b.failures, b.cfg.Window, err))
		}
	case HalfOpen:
		return b.transitionLocked(Open, now, fmt.Sprintf("trial call failed: %v", err))
	}
	return nil
}

func (b *Breaker) onSuccessLocked(now time.Time) *transition {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.halfOpenInFlight--
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			return b.transitionLocked(Closed, now, "trial calls succeeded")
		}
	}
	return nil
}

// refreshLocked applies the cooldown timer.
func (b *Breaker) refreshLocked(now time.Time) *transition {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		return b.transitionLocked(HalfOpen, now, "cooldown elapsed")
	}
	return nil
}

func (b *Breaker) transitionLocked(to State, now time.Time, reason string) *transition {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.generation++
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0

	switch to {
	case Open:
		b.openedAt = now
		b.opened++
	case Closed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
	return &transition{from: from, to: to, at: now, reason: reason}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	level := slog.LevelInfo
	if t.to == Open {
		level = slog.LevelWarn
	}
	b.opts.logger.Log(context.Background(), level, "circuit breaker state change",
		"integration", b.name,
		"from", t.from.String(),
		"to", t.to.String(),
		"at", t.at,
		"reason", t.reason,
	)
	if b.opts.observer != nil {
		b.opts.observer.BreakerTransition(b.name, t.from, t.to)
	}
}

// State returns the current state, applying the cooldown timer first.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	now := b.opts.clock.Now()
	t := b.refreshLocked(now)
	s := Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failures,
		OpenedAt:          b.openedAt,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		Rejected:          b.rejected,
		Opened:            b.opened,
		Config:            b.cfg,
	}
	if b.state == Open {
		s.RetryAfter = b.cfg.Cooldown - now.Sub(b.openedAt)
	}
	if b.failures > 0 && now.Sub(b.windowStart) > b.cfg.Window {
		// The window expired; the next failure starts a new one.
		s.FailureCount = 0
	}
	b.mu.Unlock()

	b.notify(t)
	return s
}

// Reset forces the breaker to CLOSED and clears its failure count.
//
// # Description
//
// Use when an operator knows the integration has recovered. Calls in
// flight from before the reset do not affect the new state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.opts.clock.Now()
	t := b.transitionLocked(Closed, now, "manual reset")
	if t == nil {
		b.generation++
	}
	b.failures = 0
	b.mu.Unlock()

	b.notify(t)
}
