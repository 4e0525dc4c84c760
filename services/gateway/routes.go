// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the operator HTTP surface of the resilience layer.
//
// # Routes
//
//	GET  /health                          liveness
//	GET  /api/health/database             database health report
//	GET  /api/health/system               breakers, dead letters, vault
//	GET  /v1/breakers                     breaker snapshots
//	POST /v1/breakers/:name/reset         operator
//	POST /v1/sync/retry                   operator, replays the retry queue
//	GET  /v1/sync/dead-letters            operator
//	POST /v1/sync/dead-letters/:id/requeue operator
//	GET  /metrics                         Prometheus
//
// Operator routes require "Authorization: Bearer <operator token>".
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tactics-hq/tactics/services/resilience"
)

// Options configures NewRouter.
type Options struct {
	// ServiceName labels the otelgin spans. Default: "tactics"
	ServiceName string

	// OperatorToken guards privileged routes. Empty disables them.
	OperatorToken string

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewRouter builds the gin engine for f.
func NewRouter(f *resilience.Facade, opts Options) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "tactics"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(RequestLogger(logger))

	SetupRoutes(router, f, opts.OperatorToken, opts.Gatherer, logger)
	return router
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *gin.Engine, f *resilience.Facade, operatorToken string,
	gatherer prometheus.Gatherer, logger *slog.Logger) {

	h := &handlers{facade: f, logger: logger}
	operator := OperatorAuth(operatorToken, logger)

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/health")
	{
		api.GET("/database", h.databaseHealth)
		api.GET("/system", h.systemHealth)
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/breakers", h.listBreakers)
		v1.POST("/breakers/:name/reset", operator, h.resetBreaker)

		syncGroup := v1.Group("/sync", operator)
		{
			syncGroup.POST("/retry", h.triggerRetry)
			syncGroup.GET("/dead-letters", h.listDeadLetters)
			syncGroup.POST("/dead-letters/:id/requeue", h.requeue)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
