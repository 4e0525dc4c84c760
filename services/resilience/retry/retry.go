// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs a call with exponential backoff for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of invocations, including the first.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`

	// InitialDelay is the wait before the first retry.
	// Default: 1s
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the wait between retries.
	// Default: 30s
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier grows the delay after each retry.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter is the maximum random deviation as a fraction of the delay (0-1).
	// Default: 0
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns 3 attempts starting at 1s and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Validate checks if the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidPolicy)
	case p.InitialDelay < 0:
		return fmt.Errorf("%w: initial_delay must not be negative", ErrInvalidPolicy)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: max_delay must be >= initial_delay", ErrInvalidPolicy)
	case p.Multiplier < 1.0:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("%w: jitter must be within [0, 1]", ErrInvalidPolicy)
	}
	return nil
}

// Result contains the outcome of a retried call.
type Result struct {
	// Attempts is the number of invocations made.
	Attempts int

	// TotalDuration is the time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Func is a call that can be retried. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	clock     clock.Clock
	retryable func(error) bool
	onRetry   func(attempt int, err error, wait time.Duration)
}

// WithClock sets the time source used for waits.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRetryable overrides the transient-error check. The default is
// faults.IsTransient.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithOnRetry registers a hook called before each wait.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do executes fn with exponential backoff retry.
//
// Inputs:
//   - ctx: Context for cancellation. Cancelling aborts any pending wait.
//   - p: Retry policy. Invalid policies return ErrInvalidPolicy without calling fn.
//   - fn: The call to execute and potentially retry.
//
// Outputs:
//   - Result: Statistics about the retry operation.
//   - error: nil on success, the first fatal error, the last transient
//     error once attempts are exhausted, or ctx.Err().
//
// Only transient errors are retried. A call that fails transiently
// MaxAttempts-1 times and then succeeds is invoked exactly MaxAttempts times.
//
// Example:
//
//	res, err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context, attempt int) error {
//	    return client.Fetch(ctx)
//	})
func Do(ctx context.Context, p Policy, fn Func, opts ...Option) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{LastError: err}, err
	}

	o := options{clock: clock.New(), retryable: faults.IsTransient}
	for _, opt := range opts {
		opt(&o)
	}

	start := o.clock.Now()
	result := Result{}
	finish := func(err error) (Result, error) {
		result.LastError = err
		result.TotalDuration = o.clock.Now().Sub(start)
		return result, err
	}

	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return finish(nil)
		}

		// Stop once the caller's context is done, even for a transient error.
		if ctx.Err() != nil || !o.retryable(err) || attempt == p.MaxAttempts {
			return finish(err)
		}

		wait := withJitter(delay, p.Jitter)
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}

		timer := o.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(ctx.Err())
		case <-timer.C:
		}

		delay = nextDelay(delay, p.Multiplier, p.MaxDelay)
	}

	return finish(result.LastError)
}

// withJitter spreads base over [base*(1-jitter), base*(1+jitter)].
func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(base) * factor)
}

// nextDelay calculates the next delay value.
func nextDelay(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
