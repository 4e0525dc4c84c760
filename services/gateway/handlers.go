// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tactics-hq/tactics/services/resilience"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/localstore"
)

type handlers struct {
	facade *resilience.Facade
	logger *slog.Logger
}

// HealthCheck is the liveness check. It never touches a dependency.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// healthStatusCode maps a status to the readiness status code. Degraded
// still serves traffic from the local cache.
func healthStatusCode(s resilience.Status) int {
	if s == resilience.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *handlers) databaseHealth(c *gin.Context) {
	report := h.facade.CheckDatabaseHealth(c.Request.Context())
	c.JSON(healthStatusCode(report.Status), report)
}

func (h *handlers) systemHealth(c *gin.Context) {
	report := h.facade.SystemHealth(c.Request.Context())
	c.JSON(healthStatusCode(report.Status), report)
}

func (h *handlers) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.facade.Breakers()})
}

func (h *handlers) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !h.facade.ResetBreaker(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker", "name": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": "CLOSED"})
}

func (h *handlers) triggerRetry(c *gin.Context) {
	report, err := h.facade.ProcessRetryQueue(c.Request.Context())
	if err != nil {
		h.logger.Error("operator retry pass failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry pass failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) listDeadLetters(c *gin.Context) {
	dead, err := h.facade.DeadLetters(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "local store unavailable"})
		return
	}
	if dead == nil {
		dead = []localstore.PendingWrite{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(dead), "writes": dead})
}

func (h *handlers) requeue(c *gin.Context) {
	id := c.Param("id")
	pw, err := h.facade.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pending write", "id": id})
		return
	case err != nil:
		h.logger.Error("failed to requeue write", "pending_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue failed"})
		return
	}
	c.JSON(http.StatusOK, pw)
}
