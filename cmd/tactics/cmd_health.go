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
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/services/resilience"
)

// newHealthCmd prints the health of the resilience layer.
//
// # Examples
//
//	tactics health             # system report: database, breakers, vault
//	tactics health --database  # database report only
//
// # Limitations
//
//   - Exits with code 1 when the status is unhealthy. Degraded exits 0.
func newHealthCmd(c *cli) *cobra.Command {
	var databaseOnly bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report database, breaker and vault health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := buildStack(ctx, c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer s.Close()

			var status resilience.Status
			if databaseOnly {
				report := s.facade.CheckDatabaseHealth(ctx)
				status = report.Status
				err = printJSON(c.out, report)
			} else {
				report := s.facade.SystemHealth(ctx)
				status = report.Status
				err = printJSON(c.out, report)
			}
			if err != nil {
				return err
			}
			if status == resilience.StatusUnhealthy {
				return &exitError{code: 1, reason: "unhealthy"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&databaseOnly, "database", false, "Only check the remote database and local cache")
	return cmd
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
