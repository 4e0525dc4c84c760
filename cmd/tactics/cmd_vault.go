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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/services/resilience/vault"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// newVaultCmd groups the encrypted document vault commands. Every command
// requires TACTICS_MASTER_KEY.
//
// # Examples
//
//	tactics vault put acme raw q1.csv ./q1.csv
//	tactics vault get acme q1.csv -o ./restored.csv
//	tactics vault ls acme raw
//	tactics vault rm acme q1.csv
func newVaultCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Store and retrieve tenant documents in the encrypted vault",
	}

	var outPath string
	get := &cobra.Command{
		Use:   "get <company> <name>",
		Short: "Decrypt a document to stdout or a file",
		Args:  cobra.ExactArgs(2),
		RunE: c.withVault(func(cmd *cobra.Command, v *vault.SecureVault, args []string) error {
			payload, err := v.RetrieveDocument(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if outPath == "" {
				_, err = c.out.Write(payload)
				return err
			}
			return os.WriteFile(outPath, payload, 0o600)
		}),
	}
	get.Flags().StringVarP(&outPath, "out", "o", "", "Write the document to this file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "put <company> <category> <name> <file|->",
			Short: "Encrypt and store a document",
			Long:  "Categories: raw, meta, models, audit. A file of \"-\" reads stdin.",
			Args:  cobra.ExactArgs(4),
			RunE: c.withVault(func(cmd *cobra.Command, v *vault.SecureVault, args []string) error {
				payload, err := readInput(cmd.InOrStdin(), args[3])
				if err != nil {
					return err
				}
				key, err := v.StoreDocument(cmd.Context(), args[0], args[1], args[2], payload)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, key)
				return err
			}),
		},
		get,
		&cobra.Command{
			Use:   "ls <company> [prefix]",
			Short: "List document keys for a tenant",
			Args:  cobra.RangeArgs(1, 2),
			RunE: c.withVault(func(cmd *cobra.Command, v *vault.SecureVault, args []string) error {
				prefix := ""
				if len(args) == 2 {
					prefix = args[1]
				}
				keys, err := v.ListKeys(cmd.Context(), args[0], prefix)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(c.out, k)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rm <company> <name>",
			Short: "Delete a document",
			Args:  cobra.ExactArgs(2),
			RunE: c.withVault(func(cmd *cobra.Command, v *vault.SecureVault, args []string) error {
				return v.DeleteDocument(cmd.Context(), args[0], args[1])
			}),
		},
	)
	return cmd
}

// =============================================================================
// HELPERS
// =============================================================================

// withVault opens the stack around fn and closes it afterwards.
func (c *cli) withVault(fn func(*cobra.Command, *vault.SecureVault, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := c.cfg.RequireMasterKey(); err != nil {
			return err
		}
		s, err := buildStack(cmd.Context(), c.cfg, c.logger.Slog())
		if err != nil {
			return err
		}
		defer s.Close()

		v, err := s.requireVault()
		if err != nil {
			return err
		}
		return fn(cmd, v, args)
	}
}

// readInput reads path, or r when path is "-".
func readInput(r io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(r)
	}
	return os.ReadFile(path)
}
