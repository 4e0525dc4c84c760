// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vault

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/studio-b12/gowebdav"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// DefaultWebDAVBaseDir is the collection keys are stored under.
const DefaultWebDAVBaseDir = "tactics-vault"

// WebDAVBackend stores blobs as files in a WebDAV collection.
//
// The WebDAV client has no context support, so ctx is only checked before
// each request.
type WebDAVBackend struct {
	client *gowebdav.Client
	base   string
}

// NewWebDAVBackend connects to the server and creates the base collection.
func NewWebDAVBackend(ctx context.Context, cfg WebDAVConfig) (*WebDAVBackend, error) {
	if cfg.URL == "" {
		return nil, &faults.ConfigurationError{Setting: "vault.webdav.url"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := strings.Trim(cfg.BaseDir, "/")
	if base == "" {
		base = DefaultWebDAVBaseDir
	}

	client := gowebdav.NewClient(cfg.URL, cfg.User, cfg.Password)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect to WebDAV server: %w", err)
	}
	if err := client.MkdirAll("/"+base, 0o700); err != nil {
		return nil, fmt.Errorf("create WebDAV collection %s: %w", base, err)
	}
	return &WebDAVBackend{client: client, base: base}, nil
}

// Kind returns "webdav".
func (b *WebDAVBackend) Kind() string { return KindWebDAV }

func (b *WebDAVBackend) remotePath(key string) string {
	return "/" + b.base + "/" + key
}

// Put writes data, creating parent collections as needed.
func (b *WebDAVBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	remote := b.remotePath(key)
	if err := b.client.MkdirAll(path.Dir(remote), 0o700); err != nil {
		return fmt.Errorf("create WebDAV collection for %s: %w", key, err)
	}
	if err := b.client.Write(remote, data, 0o600); err != nil {
		return fmt.Errorf("write WebDAV file %s: %w", key, err)
	}
	return nil
}

// Get reads the file at key.
func (b *WebDAVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := b.client.Read(b.remotePath(key))
	if gowebdav.IsErrNotFound(err) {
		return nil, fmt.Errorf("%w: %s", faults.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read WebDAV file %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file at key.
func (b *WebDAVBackend) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.client.Remove(b.remotePath(key))
	if err != nil && !gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("delete WebDAV file %s: %w", key, err)
	}
	return nil
}

// ListKeys walks collections below the directory portion of prefix.
func (b *WebDAVBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	var keys []string
	if err := b.walk(ctx, prefixDir(prefix), prefix, &keys); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *WebDAVBackend) walk(ctx context.Context, dir, prefix string, keys *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := b.client.ReadDir(b.remotePath(dir))
	if gowebdav.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list WebDAV collection %q: %w", dir, err)
	}
	for _, e := range entries {
		key := dir + e.Name()
		if e.IsDir() {
			if !strings.HasPrefix(key+"/", prefix) && !strings.HasPrefix(prefix, key+"/") {
				continue
			}
			if err := b.walk(ctx, key+"/", prefix, keys); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			*keys = append(*keys, key)
		}
	}
	return nil
}

var _ Backend = (*WebDAVBackend)(nil)
