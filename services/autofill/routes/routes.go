// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianAutofill/pkg/validation"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/middleware"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the coordinator view the health and cache routes need.
// *coordinator.Coordinator implements it.
type Status interface {
	Enabled() bool
	InvalidateCache(domain string) bool
}

// Options wires the HTTP surface.
type Options struct {
	Hub       *messaging.Hub
	Handler   messaging.Handler
	Status    Status
	Validator middleware.Validator

	// Origins lists the browser origins admitted to the protected group.
	// Nil admits only clients that send no Origin header.
	Origins *middleware.OriginPolicy

	// Audit backs GET /v1/autofill/audit. Nil serves an empty list.
	Audit store.AuditLogger

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// SetupRoutes registers the coordinator's endpoints on router.
func SetupRoutes(router *gin.Engine, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	validator := opts.Validator
	if validator == nil {
		validator = middleware.NopValidator{}
	}
	audit := opts.Audit
	if audit == nil {
		audit = store.NopAuditLogger{}
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1/autofill")
	{
		v1.GET("/health", healthCheck(opts.Hub, opts.Status))

		protected := v1.Group("")
		protected.Use(middleware.OriginMiddleware(opts.Origins), middleware.AuthMiddleware(validator))
		{
			protected.GET("/ws", messaging.ServeWebSocket(opts.Hub, opts.Handler, opts.Origins.CheckRequest, opts.Logger))
			protected.DELETE("/cache/:domain", invalidateCache(opts.Status))
			protected.GET("/audit", listAudit(audit))
		}
	}
}

func healthCheck(hub *messaging.Hub, status Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"enabled": status.Enabled(),
			"tabs":    len(hub.Tabs()),
		})
	}
}

func invalidateCache(status Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain, err := validation.SanitizeSite(c.Param("domain"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"domain":      domain,
			"invalidated": status.InvalidateCache(domain),
		})
	}
}

// listAudit serves recent audit events, newest first. Query parameters:
// type (repeatable), domain, outcome and limit.
func listAudit(audit store.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.AuditFilter{
			EventTypes: c.QueryArray("type"),
			Outcome:    c.Query("outcome"),
		}
		if raw := c.Query("domain"); raw != "" {
			domain, err := validation.SanitizeSite(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.Domain = domain
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			filter.Limit = limit
		}

		events, err := audit.Query(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit log"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
