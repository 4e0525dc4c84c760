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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tactics-hq/tactics/services/gateway"
	"github.com/tactics-hq/tactics/services/resilience/observability"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// newServeCmd runs the operator gateway.
//
// # Description
//
// Starts the gin gateway on server.addr, the scheduled retry queue replay
// and the configured trace exporter. SIGINT or SIGTERM drains in-flight
// requests for up to server.shutdown_timeout.
func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP gateway and the retry queue replay loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func (c *cli) serve(ctx context.Context) error {
	logger := c.logger.Slog()
	cfg := c.cfg

	tracingCfg := cfg.Tracing
	tracingCfg.Writer = c.errOut
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close resilience stack", "error", err)
		}
	}()

	if cfg.Server.OperatorToken == "" {
		logger.Warn("TACTICS_OPERATOR_TOKEN not set, operator routes are disabled")
	}
	router := gateway.NewRouter(s.facade, gateway.Options{
		ServiceName:   cfg.Tracing.ServiceName,
		OperatorToken: cfg.Server.OperatorToken,
		Gatherer:      s.registry,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.facade.RunReplayLoop(gCtx, cfg.Server.ReplayInterval)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down gateway")
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
