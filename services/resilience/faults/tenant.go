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
	"fmt"
	"strings"
)

// MaxTenantLength is the longest company_id accepted, in bytes.
const MaxTenantLength = 128

// ValidateTenant checks that companyID can be used as an isolation boundary.
//
// # Description
//
// A company_id becomes the first segment of every vault key and part of
// every cache key, so it must be non-empty, contain no path separator or
// control character, and must not be "." or "..".
//
// # Outputs
//
//   - error: Wraps ErrInvalidTenant, nil when valid.
func ValidateTenant(companyID string) error {
	switch {
	case companyID == "":
		return fmt.Errorf("%w: company_id is required", ErrInvalidTenant)
	case len(companyID) > MaxTenantLength:
		return fmt.Errorf("%w: company_id exceeds %d bytes", ErrInvalidTenant, MaxTenantLength)
	case companyID == "." || companyID == "..":
		return fmt.Errorf("%w: company_id %q is reserved", ErrInvalidTenant, companyID)
	case strings.ContainsAny(companyID, "/\\"):
		return fmt.Errorf("%w: company_id must not contain a path separator", ErrInvalidTenant)
	}
	for _, r := range companyID {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: company_id contains a control character", ErrInvalidTenant)
		}
	}
	return nil
}
