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

	"github.com/spf13/cobra"

	"github.com/tactics-hq/tactics/cmd/tactics/config"
	"github.com/tactics-hq/tactics/pkg/logging"
)

// =============================================================================
// EXIT ERRORS
// =============================================================================

// exitError ends the process with code after the command has already
// reported the failure on its own output.
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s (exit %d)", e.reason, e.code)
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// cli carries the state shared by every subcommand.
type cli struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string

	cfg    config.Config
	logger *logging.Logger
}

// newRootCmd builds the command tree. Commands write results to out and
// logs to errOut.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "tactics",
		Short: "Resilience layer for multi-tenant analytics",
		Long: `tactics guards every external call of the analytics platform.

Provider and database calls run through per-integration circuit breakers
with bounded retries. Reads fall back to a durable local cache, failed
writes are queued for replay, and tenant data at rest is encrypted with
per-tenant keys in the document vault.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&c.configPath, "config", "",
		"Config file (default $TACTICS_CONFIG or ~/.tactics/tactics.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newHealthCmd(c),
		newRetryCmd(c),
		newSyncCmd(c),
		newVaultCmd(c),
		newTokenCmd(c),
		newConfigCmd(c),
	)
	return root
}

// setup loads the configuration and creates the logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if skipsConfig(cmd) {
		c.logger = logging.New(logging.Config{Level: logging.LevelWarn, Output: c.errOut, Service: "tactics"})
		return nil
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "tactics",
		JSON:    cfg.Log.JSON,
		Output:  c.errOut,
	})
	c.logger.Debug("configuration loaded", "config_path", c.configPath)
	return nil
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.logger == nil {
		return nil
	}
	return c.logger.Close()
}

// skipsConfig reports whether cmd runs before a valid config exists.
func skipsConfig(cmd *cobra.Command) bool {
	return cmd.Annotations["config"] == "skip"
}
