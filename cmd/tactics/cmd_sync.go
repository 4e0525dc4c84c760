// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/services/ingest"
)

// newSyncCmd runs the ingest pipeline for one tenant.
//
// # Description
//
// Fetches every provider listed under "providers" in the config through
// the resilience facade. Credentials are read from the integrations table
// and decrypted with the tenant key when a master key is set.
//
// # Examples
//
//	tactics sync --company acme
//	tactics sync --company acme --provider shopify --provider meta
func newSyncCmd(c *cli) *cobra.Command {
	var (
		companyID string
		only      []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch provider data for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			providers, err := selectProviders(c.cfg.Providers, only)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := c.logger.Slog()
			s, err := buildStack(ctx, c.cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			var creds *ingest.CredentialStore
			if s.codec != nil {
				if creds, err = ingest.NewCredentialStore(s.facade, s.codec, logger); err != nil {
					return err
				}
			} else {
				logger.Warn("no master key set, syncing without stored credentials")
			}

			pipeline := ingest.NewPipeline(s.facade, creds, c.cfg.Pipeline, logger, s.metrics)
			report, runErr := pipeline.Run(ctx, companyID, providers)
			if err := printJSON(c.out, report); err != nil {
				return err
			}
			if runErr != nil {
				logger.Error("sync finished with errors", "company_id", companyID, "error", runErr)
				return &exitError{code: 1, reason: "sync failed"}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "Tenant to sync (required)")
	cmd.Flags().StringSliceVar(&only, "provider", nil, "Only sync these providers")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

// selectProviders builds HTTP providers for the configured entries,
// filtered by name when only is non-empty.
func selectProviders(configured []ingest.HTTPProviderConfig, only []string) ([]ingest.Provider, error) {
	if len(configured) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	var providers []ingest.Provider
	for _, pc := range configured {
		if len(only) > 0 && !slices.Contains(only, pc.Name) {
			continue
		}
		providers = append(providers, ingest.NewHTTPProvider(pc, nil))
	}
	for _, name := range only {
		if !slices.ContainsFunc(configured, func(pc ingest.HTTPProviderConfig) bool { return pc.Name == name }) {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return providers, nil
}
