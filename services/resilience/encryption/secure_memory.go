// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package encryption

import (
	"log/slog"
	"sync"
)

// MinMlockLimitKB is the memlock limit below which memguard may fail to
// lock the master key pages.
const MinMlockLimitKB = 64

var secureMemoryOnce sync.Once

// checkSecureMemory warns once per process when the memlock limit is too
// low. Encryption keeps working; the master key may then be swappable.
func checkSecureMemory(logger *slog.Logger) {
	secureMemoryOnce.Do(func() {
		limitKB, err := memlockLimitKB()
		switch {
		case err != nil:
			logger.Warn("could not determine mlock limit", "error", err)
		case limitKB >= 0 && limitKB < MinMlockLimitKB:
			logger.Warn("mlock limit insufficient for secure memory",
				"current_limit_kb", limitKB,
				"required_kb", MinMlockLimitKB,
			)
		default:
			logger.Debug("secure memory initialized", "mlock_limit_kb", limitKB)
		}
	})
}
