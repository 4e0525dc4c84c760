// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localstore

import (
	"hash/maphash"
	"sync"
)

// keyLocks is a fixed array of mutexes indexed by key hash. Two keys may
// share a stripe; the same key always maps to the same stripe.
type keyLocks struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 64
	}
	return &keyLocks{seed: maphash.MakeSeed(), stripes: make([]sync.Mutex, n)}
}

func (l *keyLocks) stripe(k Key) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(l.seed)
	h.WriteString(k.CompanyID)
	h.WriteByte(0)
	h.WriteString(k.Dataset)
	return &l.stripes[h.Sum64()%uint64(len(l.stripes))]
}

// lock acquires the stripe for k and returns its unlock function.
func (l *keyLocks) lock(k Key) func() {
	m := l.stripe(k)
	m.Lock()
	return m.Unlock
}
