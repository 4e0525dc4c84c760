// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault stores encrypted tenant documents in a pluggable backend.
//
// # Description
//
// A Backend is a flat key/value blob store (object store, WebDAV document
// store, or the local filesystem). SecureVault layers per-tenant encryption
// and tenant-prefixed key layout on top of any Backend:
//
//	{company_id}/{category}/{name}
//
// # Thread Safety
//
// All backends and SecureVault are safe for concurrent use.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// Backend kinds.
const (
	KindGCS    = "gcs"
	KindWebDAV = "webdav"
	KindLocal  = "local"
)

// Backend is a blob store addressed by slash-separated keys.
//
// Get returns faults.ErrNotFound for a missing key. Delete of a missing key
// is not an error. ListKeys returns keys sorted lexically.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Kind() string
}

// GCSConfig configures the object store backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`

	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// WebDAVConfig configures the document store backend.
type WebDAVConfig struct {
	URL      string `yaml:"url" json:"url"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"-" json:"-"`

	// BaseDir is the collection all keys live under. Default: tactics-vault
	BaseDir string `yaml:"base_dir" json:"base_dir"`
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "gcs", "webdav", "local".
	Backend string `yaml:"backend" json:"backend" validate:"omitempty,oneof=gcs webdav local"`

	// AllowLocalFallback uses the local backend when the configured remote
	// backend cannot be constructed.
	AllowLocalFallback bool `yaml:"allow_local_fallback" json:"allow_local_fallback"`

	// LocalPath is the root directory of the local backend.
	LocalPath string `yaml:"local_path" json:"local_path"`

	GCS    GCSConfig    `yaml:"gcs" json:"gcs"`
	WebDAV WebDAVConfig `yaml:"webdav" json:"webdav"`
}

// Selection reports which backend NewBackend actually built.
type Selection struct {
	Kind     string `json:"kind"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// NewBackend builds the configured backend.
//
// # Description
//
// The remote backends check their endpoint during construction. When that
// fails and AllowLocalFallback is set, a LocalBackend rooted at LocalPath is
// returned instead and the Selection records the fallback and its reason.
//
// # Inputs
//
//   - ctx: Bounds the construction check.
//   - cfg: Backend settings. An empty Backend means "local".
//   - logger: Receives the fallback warning.
//
// # Outputs
//
//   - Backend: Ready to use.
//   - Selection: What was built and why.
//   - error: Construction failure without a permitted fallback.
func NewBackend(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, Selection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kind := cfg.Backend
	if kind == "" {
		kind = KindLocal
	}

	var (
		backend Backend
		err     error
	)
	switch kind {
	case KindLocal:
		backend, err = NewLocalBackend(cfg.LocalPath)
		if err != nil {
			return nil, Selection{}, err
		}
		return backend, Selection{Kind: KindLocal}, nil
	case KindGCS:
		backend, err = NewGCSBackend(ctx, cfg.GCS)
	case KindWebDAV:
		backend, err = NewWebDAVBackend(ctx, cfg.WebDAV)
	default:
		return nil, Selection{}, &faults.ConfigurationError{Setting: "vault.backend", Reason: fmt.Sprintf("unknown backend %q", kind)}
	}
	if err == nil {
		return backend, Selection{Kind: kind}, nil
	}

	if !cfg.AllowLocalFallback {
		return nil, Selection{}, fmt.Errorf("initialize %s vault backend: %w", kind, err)
	}

	local, localErr := NewLocalBackend(cfg.LocalPath)
	if localErr != nil {
		return nil, Selection{}, fmt.Errorf("initialize %s vault backend: %w (local fallback: %v)", kind, err, localErr)
	}
	logger.Warn("vault backend unavailable, using local fallback",
		"configured", kind,
		"local_path", cfg.LocalPath,
		"error", err,
	)
	return local, Selection{Kind: KindLocal, Fallback: true, Reason: err.Error()}, nil
}

// ValidateKey rejects keys that could escape a tenant prefix or a backend
// root: empty keys, absolute keys, backslashes, and empty, "." or ".."
// segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", faults.ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", faults.ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", faults.ErrInvalidKey, key)
		}
	}
	return nil
}

// validatePrefix accepts "" and prefixes ending in "/", in addition to
// anything ValidateKey accepts.
func validatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	return ValidateKey(strings.TrimSuffix(prefix, "/"))
}

// prefixDir returns the directory portion of a prefix ("a/b/c" -> "a/b/").
func prefixDir(prefix string) string {
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i+1]
	}
	return ""
}
