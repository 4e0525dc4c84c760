// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tactics-hq/tactics/services/resilience/faults"
)

// maxPayloadBytes caps a provider response body.
const maxPayloadBytes = 32 << 20

// HTTPProviderConfig describes a JSON-over-HTTP provider endpoint.
type HTTPProviderConfig struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	// URL may contain "{company_id}" and "{account_id}" placeholders.
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// AuthHeader receives the credential. Default: Authorization
	AuthHeader string `yaml:"auth_header" json:"auth_header"`
}

// HTTPProvider fetches a JSON document with the tenant's credentials.
//
// The access token is sent as a bearer token; failing that the API key is
// sent verbatim. Status codes are mapped with faults.FromHTTPStatus.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider builds an HTTPProvider. A nil client uses one with a 30s
// timeout.
func NewHTTPProvider(cfg HTTPProviderConfig, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	return &HTTPProvider{cfg: cfg, client: client}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Fetch implements Provider.
func (p *HTTPProvider) Fetch(ctx context.Context, companyID string, creds Credentials) ([]byte, error) {
	url := strings.NewReplacer(
		"{company_id}", companyID,
		"{account_id}", creds.AccountID,
	).Replace(p.cfg.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &faults.FatalProviderError{Provider: p.cfg.Name, CompanyID: companyID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case creds.AccessToken != "":
		req.Header.Set(p.cfg.AuthHeader, "Bearer "+creds.AccessToken)
	case creds.APIKey != "":
		req.Header.Set(p.cfg.AuthHeader, creds.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &faults.TransientProviderError{Provider: p.cfg.Name, CompanyID: companyID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, &faults.TransientProviderError{Provider: p.cfg.Name, CompanyID: companyID, Err: err}
	}
	if err := faults.FromHTTPStatus(p.cfg.Name, companyID, resp.StatusCode,
		fmt.Errorf("unexpected status: %s", resp.Status)); err != nil {
		return nil, err
	}
	return body, nil
}

var _ Provider = (*HTTPProvider)(nil)
