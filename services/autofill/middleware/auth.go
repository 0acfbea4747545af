// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware gates the coordinator's HTTP surface.
//
// # Authentication Flow
//
// Page contexts attach to the coordinator over a local WebSocket. When an
// access key is configured, every request to the protected group must
// present it, either as "Authorization: Bearer <key>" or, for browser
// WebSocket clients that cannot set headers, as the access_token query
// parameter.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract key from header or query
//	   │
//	   ├─► validator.Validate(ctx, key)
//	   │
//	   └─► Store ClientInfo in context
//
// With no key configured, NopValidator admits every caller as a local
// page.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by validators for a missing or wrong key.
var ErrUnauthorized = errors.New("unauthorized")

const clientInfoKey = "aleutian_autofill_client"

// accessTokenParam is the query fallback for WebSocket upgrades.
const accessTokenParam = "access_token"

// ClientInfo identifies an admitted caller.
type ClientInfo struct {
	ClientID string
	Local    bool
}

// Validator checks an access key.
type Validator interface {
	Validate(ctx context.Context, key string) (*ClientInfo, error)
}

// NopValidator admits everyone.
type NopValidator struct{}

// Validate implements Validator.
func (NopValidator) Validate(context.Context, string) (*ClientInfo, error) {
	return &ClientInfo{ClientID: "local-page", Local: true}, nil
}

// StaticKeyValidator accepts exactly one shared key.
type StaticKeyValidator struct {
	key []byte
}

// NewValidator returns a StaticKeyValidator for key, or NopValidator when
// key is empty.
func NewValidator(key string) Validator {
	if key == "" {
		return NopValidator{}
	}
	return &StaticKeyValidator{key: []byte(key)}
}

// Validate implements Validator with a constant-time comparison.
func (v *StaticKeyValidator) Validate(_ context.Context, key string) (*ClientInfo, error) {
	if key == "" || subtle.ConstantTimeCompare([]byte(key), v.key) != 1 {
		return nil, ErrUnauthorized
	}
	return &ClientInfo{ClientID: "keyed-page"}, nil
}

// SetClientInfo stores the admitted caller on the request context.
func SetClientInfo(c *gin.Context, info *ClientInfo) {
	c.Set(clientInfoKey, info)
}

// GetClientInfo returns the admitted caller, or nil.
func GetClientInfo(c *gin.Context) *ClientInfo {
	if v, ok := c.Get(clientInfoKey); ok {
		if info, ok := v.(*ClientInfo); ok {
			return info
		}
	}
	return nil
}

// AuthMiddleware rejects requests the validator refuses with 401.
//
// # Inputs
//
//   - v: Validator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware for a route group.
//
// # Thread Safety
//
// The returned middleware can be used concurrently.
func AuthMiddleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := v.Validate(c.Request.Context(), extractKey(c))
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		SetClientInfo(c, info)
		c.Next()
	}
}

// extractKey reads "Authorization: Bearer <key>" (scheme is case
// insensitive) and falls back to the access_token query parameter.
func extractKey(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(c.Query(accessTokenParam))
}
