// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults defines the error taxonomy shared by the resilience layer.
//
// # Description
//
// Every component (breaker, retry, encryption, vault, local store, remote
// database) reports failures using the types in this package so that callers
// can branch with errors.Is / errors.As instead of string matching.
//
// # Taxonomy
//
//   - ConfigurationError: missing secret or credentials. Fatal to the
//     dependent feature only.
//   - DecryptionError: tamper or wrong key. Fatal for that document, never retried.
//   - BreakerOpenError: expected and recoverable. Caller falls back to cache.
//   - TransientProviderError: network, timeout, 5xx. Retried within budget.
//   - FatalProviderError: 4xx auth or validation. Propagated immediately.
//
// # Tenant Attribution
//
// Provider and decryption errors carry the company_id they affect so that a
// failure is never aggregated in a way that hides the impacted tenant.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// -----------------------------------------------------------------------------
// Error Sentinel Values
// -----------------------------------------------------------------------------

// ErrNotFound is returned when a cache entry, vault document or pending
// write does not exist.
var ErrNotFound = errors.New("not found")

// ErrBreakerOpen is wrapped by every BreakerOpenError.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrUnavailable is returned when neither the remote database nor the local
// cache can serve a request. Callers must fail fast.
var ErrUnavailable = errors.New("storage unavailable")

// ErrInvalidTenant is returned when a company_id is empty or malformed.
var ErrInvalidTenant = errors.New("invalid tenant")

// ErrInvalidKey is returned when a logical key or path segment is malformed.
var ErrInvalidKey = errors.New("invalid key")

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	// Setting names the configuration input, e.g. "master_key".
	Setting string

	// Reason is a short human-readable explanation.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is not configured", e.Setting)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// DecryptionError reports an authentication-tag mismatch or malformed
// ciphertext. The wrapped error is never the plaintext.
type DecryptionError struct {
	CompanyID string
	Key       string
	Err       error
}

func (e *DecryptionError) Error() string {
	msg := "decryption failed"
	if e.CompanyID != "" {
		msg += " for tenant " + e.CompanyID
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// BreakerOpenError is returned when a call is rejected by an open breaker.
// No network attempt was made.
type BreakerOpenError struct {
	// Integration is the breaker name, e.g. "shopify".
	Integration string

	// RetryAfter is the remaining cooldown. Zero when the breaker is
	// half-open and its trial slots are exhausted.
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %s is OPEN (retry after %s)", e.Integration, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit %s is OPEN", e.Integration)
}

func (e *BreakerOpenError) Unwrap() error {
	return ErrBreakerOpen
}

// TransientProviderError is a retryable failure from an external system.
type TransientProviderError struct {
	Provider  string
	CompanyID string

	// Status is the upstream status code when one exists (HTTP status,
	// SQLSTATE class, ...). Zero otherwise.
	Status int
	Err    error
}

func (e *TransientProviderError) Error() string {
	return formatProviderError("transient", e.Provider, e.CompanyID, e.Status, e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// FatalProviderError is a non-retryable failure (auth, validation,
// malformed request). It still counts toward the breaker.
type FatalProviderError struct {
	Provider  string
	CompanyID string
	Status    int
	Err       error
}

func (e *FatalProviderError) Error() string {
	return formatProviderError("fatal", e.Provider, e.CompanyID, e.Status, e.Err)
}

func (e *FatalProviderError) Unwrap() error {
	return e.Err
}

func formatProviderError(kind, provider, companyID string, status int, err error) string {
	msg := kind + " error from " + provider
	if companyID != "" {
		msg += " for tenant " + companyID
	}
	if status != 0 {
		msg += fmt.Sprintf(" (status %d)", status)
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

// Compile-time interface checks.
var (
	_ error = (*ConfigurationError)(nil)
	_ error = (*DecryptionError)(nil)
	_ error = (*BreakerOpenError)(nil)
	_ error = (*TransientProviderError)(nil)
	_ error = (*FatalProviderError)(nil)
)

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// Class is the retry classification of an error.
type Class int

const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota

	// ClassTransient errors are retried within the retry budget.
	ClassTransient

	// ClassFatal errors propagate immediately.
	ClassFatal

	// ClassRejected errors come from an open breaker. They are neither
	// retried nor counted as a new failure.
	ClassRejected
)

// String returns the class name used in logs and metrics labels.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the retry taxonomy.
//
// # Description
//
// Typed errors win over structural checks. Unknown errors are treated as
// fatal unless they look like a network failure or a deadline, so that a
// programming error never burns the retry budget.
//
// # Inputs
//
//   - err: Any error, may be nil.
//
// # Outputs
//
//   - Class: ClassNone for nil.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var open *BreakerOpenError
	if errors.As(err, &open) || errors.Is(err, ErrBreakerOpen) {
		return ClassRejected
	}

	var fatal *FatalProviderError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return ClassFatal
	}
	var dec *DecryptionError
	if errors.As(err, &dec) {
		return ClassFatal
	}
	if errors.Is(err, ErrInvalidTenant) || errors.Is(err, ErrInvalidKey) {
		return ClassFatal
	}

	var transient *TransientProviderError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsFatal reports whether err must propagate without retry.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}

// IsBreakerOpen reports whether err is a breaker rejection.
func IsBreakerOpen(err error) bool {
	return Classify(err) == ClassRejected
}

// FromHTTPStatus builds the provider error matching an HTTP status code.
//
// # Description
//
// 408, 429 and 5xx are transient. Every other non-2xx status is fatal.
// Returns nil for 2xx and 3xx.
func FromHTTPStatus(provider, companyID string, status int, err error) error {
	if status < 400 {
		return nil
	}
	if status == 408 || status == 429 || status >= 500 {
		return &TransientProviderError{Provider: provider, CompanyID: companyID, Status: status, Err: err}
	}
	return &FatalProviderError{Provider: provider, CompanyID: companyID, Status: status, Err: err}
}
