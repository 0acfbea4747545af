// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy decides which browser origins may reach the coordinator.
//
// # Description
//
// Browsers attach an Origin header to every cross-origin request and to
// every WebSocket upgrade, so a web page the user visits cannot hide where
// it came from. Requests without an Origin come from non-browser clients
// (the native messaging host, the CLI, tests) and are admitted. Requests
// with an Origin are admitted only when it is on the allowlist, e.g.
// "chrome-extension://<extension id>".
//
// A nil *OriginPolicy admits no browser origin.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type OriginPolicy struct {
	allowed map[string]struct{}
}

// NewOriginPolicy builds a policy from exact origins. Matching ignores
// case and a trailing slash; blank entries are skipped.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			p.allowed[n] = struct{}{}
		}
	}
	return p
}

// Allows reports whether a request carrying origin may proceed. The
// literal "null" origin (sandboxed frames, file pages) is never allowed.
func (p *OriginPolicy) Allows(origin string) bool {
	n := normalizeOrigin(origin)
	if n == "" {
		return strings.TrimSpace(origin) == ""
	}
	if p == nil || n == "null" {
		return false
	}
	_, ok := p.allowed[n]
	return ok
}

// CheckRequest matches r's Origin header. It fits
// websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckRequest(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"))
}

// OriginMiddleware rejects requests from disallowed origins with 403.
func OriginMiddleware(p *OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.CheckRequest(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Next()
	}
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
