// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "db.example", IsTimeout: true}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"breaker open", &BreakerOpenError{Integration: "shopify"}, ClassRejected},
		{"wrapped breaker open", fmt.Errorf("sync: %w", &BreakerOpenError{Integration: "meta"}), ClassRejected},
		{"transient", &TransientProviderError{Provider: "stripe", Status: 503}, ClassTransient},
		{"fatal", &FatalProviderError{Provider: "stripe", Status: 401}, ClassFatal},
		{"config", &ConfigurationError{Setting: "master_key"}, ClassFatal},
		{"decryption", &DecryptionError{CompanyID: "acme"}, ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ClassTransient},
		{"net error", dnsErr, ClassTransient},
		{"invalid tenant", fmt.Errorf("%w: empty", ErrInvalidTenant), ClassFatal},
		{"plain error", errors.New("boom"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestBreakerOpenError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("call: %w", &BreakerOpenError{Integration: "ga4", RetryAfter: 3 * time.Second})

	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.True(t, IsBreakerOpen(err))
	assert.Contains(t, err.Error(), "ga4")
	assert.Contains(t, err.Error(), "3s")
}

func TestProviderErrors_CarryTenant(t *testing.T) {
	inner := errors.New("connection reset")
	err := &TransientProviderError{Provider: "shopify", CompanyID: "acme", Status: 502, Err: inner}

	assert.Contains(t, err.Error(), "acme")
	assert.Contains(t, err.Error(), "502")
	assert.ErrorIs(t, err, inner)

	fatal := &FatalProviderError{Provider: "meta", CompanyID: "globex", Err: inner}
	assert.Contains(t, fatal.Error(), "globex")
	assert.ErrorIs(t, fatal, inner)
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Nil(t, FromHTTPStatus("p", "c", 200, nil))
	assert.Nil(t, FromHTTPStatus("p", "c", 304, nil))
	assert.True(t, IsTransient(FromHTTPStatus("p", "c", 429, nil)))
	assert.True(t, IsTransient(FromHTTPStatus("p", "c", 408, nil)))
	assert.True(t, IsTransient(FromHTTPStatus("p", "c", 500, nil)))
	assert.True(t, IsFatal(FromHTTPStatus("p", "c", 401, nil)))
	assert.True(t, IsFatal(FromHTTPStatus("p", "c", 422, nil)))
}

func TestDecryptionError_NeverIncludesPayload(t *testing.T) {
	err := &DecryptionError{CompanyID: "acme", Key: "acme/raw/x.csv", Err: errors.New("cipher: message authentication failed")}

	assert.Equal(t, "decryption failed for tenant acme (acme/raw/x.csv): cipher: message authentication failed", err.Error())
}

func TestValidateTenant(t *testing.T) {
	long := make([]byte, MaxTenantLength+1)
	for i := range long {
		long[i] = 'a'
	}

	valid := []string{"acme", "company-123", "Acme Corp", "d3b07384-d113-4ec6-a2e8-f1bd6c1b0e0c"}
	for _, id := range valid {
		assert.NoError(t, ValidateTenant(id), id)
	}

	invalid := []string{"", ".", "..", "acme/other", `acme\other`, "tab\tname", string(long)}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateTenant(id), ErrInvalidTenant, "%q", id)
	}
}
