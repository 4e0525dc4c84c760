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
	"strings"

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/services/resilience/encryption"
)

// newTokenCmd exposes the platform token codec used for integration
// credentials. Encrypted tokens carry the "enc:" prefix.
//
// # Examples
//
//	tactics token encrypt shpat_abc123
//	tactics token decrypt enc:gAAAA...
//	echo -n shpat_abc123 | tactics token encrypt -
func newTokenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encrypt or decrypt integration tokens",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt <plaintext|->",
			Short: "Encrypt a token with the platform key",
			Args:  cobra.ExactArgs(1),
			RunE: c.withCodec(func(cmd *cobra.Command, codec *encryption.TokenCodec, arg string) error {
				stored, err := codec.EncryptToken(arg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, stored)
				return err
			}),
		},
		&cobra.Command{
			Use:   "decrypt <token|->",
			Short: "Decrypt a stored token. Plaintext tokens pass through.",
			Args:  cobra.ExactArgs(1),
			RunE: c.withCodec(func(cmd *cobra.Command, codec *encryption.TokenCodec, arg string) error {
				plain, err := codec.DecryptToken(arg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, plain)
				return err
			}),
		},
	)
	return cmd
}

// withCodec builds the token codec and resolves "-" to stdin.
func (c *cli) withCodec(fn func(*cobra.Command, *encryption.TokenCodec, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := c.cfg.RequireMasterKey(); err != nil {
			return err
		}
		_, codec, err := newKeys(c.cfg, c.logger.Slog())
		if err != nil {
			return err
		}
		input := args[0]
		if input == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			input = strings.TrimRight(string(data), "\r\n")
		}
		return fn(cmd, codec, input)
	}
}
