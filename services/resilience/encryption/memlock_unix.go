// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux || darwin

package encryption

import (
	"golang.org/x/sys/unix"
)

// memlockLimitKB returns the RLIMIT_MEMLOCK soft limit in kilobytes, or -1
// when unlimited.
func memlockLimitKB() (int64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return 0, err
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return -1, nil
	}
	return int64(rlimit.Cur / 1024), nil
}
