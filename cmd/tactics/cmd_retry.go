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
	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

// newRetryCmd drains the retry queue once, or manages dead letters.
//
// # Examples
//
//	tactics retry                  # one replay pass
//	tactics retry --dead-letters   # list failed_permanent writes
//	tactics retry --requeue <id>   # move a dead letter back to pending
func newRetryCmd(c *cli) *cobra.Command {
	var (
		listDead  bool
		requeueID string
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay queued writes against the remote database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := buildStack(ctx, c.cfg, c.logger.Slog())
			if err != nil {
				return err
			}
			defer s.Close()

			switch {
			case requeueID != "":
				pw, err := s.facade.Requeue(ctx, requeueID)
				if err != nil {
					return err
				}
				return printJSON(c.out, pw)
			case listDead:
				dead, err := s.facade.DeadLetters(ctx)
				if err != nil {
					return err
				}
				if dead == nil {
					dead = []localstore.PendingWrite{}
				}
				return printJSON(c.out, dead)
			}

			report, err := s.facade.ProcessRetryQueue(ctx)
			if err != nil {
				return err
			}
			return printJSON(c.out, report)
		},
	}
	cmd.Flags().BoolVar(&listDead, "dead-letters", false, "List writes that exhausted their attempts")
	cmd.Flags().StringVar(&requeueID, "requeue", "", "Requeue the dead letter with this id")
	cmd.MarkFlagsMutuallyExclusive("dead-letters", "requeue")
	return cmd
}
