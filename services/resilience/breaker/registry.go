// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"sort"
	"sync"
	"time"
)

// DatabaseIntegration is the breaker name guarding the managed database.
const DatabaseIntegration = "database"

// DefaultOverrides returns the per-integration cooldowns used in production.
// Ad networks and analytics APIs recover slowly, payment and commerce APIs
// quickly.
func DefaultOverrides() map[string]Config {
	return map[string]Config{
		"shopify":           {Cooldown: 120 * time.Second},
		"meta":              {Cooldown: 300 * time.Second},
		"google_ads":        {Cooldown: 300 * time.Second},
		"klaviyo":           {Cooldown: 120 * time.Second},
		"stripe":            {Cooldown: 60 * time.Second},
		"ga4":               {Cooldown: 300 * time.Second},
		"gsc":               {Cooldown: 300 * time.Second},
		DatabaseIntegration: {Cooldown: 30 * time.Second},
	}
}

// Registry owns one breaker per integration name.
//
// # Description
//
// Breakers are created lazily on first use with the default configuration
// merged with the override for that name, if any. The registry is an
// explicit object owned by the resilience facade, not a process global.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
//
// # Example
//
//	reg := breaker.NewRegistry(breaker.DefaultConfig(), breaker.DefaultOverrides())
//	err := reg.Get("shopify").Execute(ctx, fetch)
type Registry struct {
	defaults  Config
	overrides map[string]Config
	opts      []Option

	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
//
// # Inputs
//
//   - defaults: Applied to every breaker. Zero fields take DefaultConfig values.
//   - overrides: Per-integration settings. Zero fields fall back to defaults.
//   - opts: Passed to every breaker the registry creates.
//
// # Outputs
//
//   - *Registry: New empty registry.
func NewRegistry(defaults Config, overrides map[string]Config, opts ...Option) *Registry {
	copied := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		copied[name] = cfg
	}
	return &Registry{
		defaults:  defaults.withDefaults(DefaultConfig()),
		overrides: copied,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[name]; exists {
		return b
	}

	b = New(name, r.ConfigFor(name), r.opts...)
	r.breakers[name] = b
	return b
}

// ConfigFor returns the effective configuration for name.
func (r *Registry) ConfigFor(name string) Config {
	if o, ok := r.overrides[name]; ok {
		return o.withDefaults(r.defaults)
	}
	return r.defaults
}

// Snapshots returns a snapshot of every breaker created so far, sorted by
// name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named breaker to CLOSED. It returns false when no
// breaker with that name exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, exists := r.breakers[name]
	r.mu.RUnlock()
	if !exists {
		return false
	}
	b.Reset()
	return true
}

// ResetAll forces every breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}

// OpenCount returns how many breakers are currently OPEN.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.Snapshots() {
		if s.State == Open {
			n++
		}
	}
	return n
}
