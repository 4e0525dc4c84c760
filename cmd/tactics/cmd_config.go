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

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/cmd/tactics/config"
)

// newConfigCmd manages the config file.
//
// # Examples
//
//	tactics config init    # write defaults to ~/.tactics/tactics.yaml
//	tactics config show    # effective config, secrets omitted
func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the tactics config file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:         "init",
			Short:       "Write the default config file",
			Args:        cobra.NoArgs,
			Annotations: map[string]string{"config": "skip"},
			RunE: func(*cobra.Command, []string) error {
				path := c.configPath
				if path == "" {
					path = config.DefaultPath()
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.out, "wrote %s\n", path)
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				data, err := config.Marshal(c.cfg)
				if err != nil {
					return err
				}
				if _, err := c.out.Write(data); err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.out, "# master_key_present: %t\n# database_url_present: %t\n# operator_token_present: %t\n",
					c.cfg.Security.MasterKey != "",
					c.cfg.Remote.URL != "",
					c.cfg.Server.OperatorToken != "",
				)
				return err
			},
		},
	)
	return cmd
}
