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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingValidator struct{ err error }

func (f failingValidator) Validate(context.Context, string) (*ClientInfo, error) {
	return nil, f.err
}

func newRouter(v Validator) *gin.Engine {
	router := gin.New()
	router.GET("/p", AuthMiddleware(v), func(c *gin.Context) {
		info := GetClientInfo(c)
		c.JSON(http.StatusOK, gin.H{"client": info.ClientID})
	})
	return router
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		target string
		want   string
	}{
		{"bearer", "Bearer abc", "/", "abc"},
		{"case insensitive scheme", "bearer ABC", "/", "ABC"},
		{"basic rejected", "Basic abc", "/", ""},
		{"empty bearer", "Bearer ", "/", ""},
		{"query fallback", "", "/?access_token=qk", "qk"},
		{"header wins over query", "Basic x", "/?access_token=qk", ""},
		{"nothing", "", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractKey(c))
		})
	}
}

func TestAuthMiddleware_NopAdmitsAll(t *testing.T) {
	router := newRouter(NewValidator(""))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/p", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "local-page")
}

func TestAuthMiddleware_StaticKey(t *testing.T) {
	router := newRouter(NewValidator("s3cret"))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/p", "", http.StatusUnauthorized},
		{"wrong", "/p", "Bearer nope", http.StatusUnauthorized},
		{"header", "/p", "Bearer s3cret", http.StatusOK},
		{"query", "/p?access_token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthMiddleware_ProviderFailure(t *testing.T) {
	router := newRouter(failingValidator{err: errors.New("backend down")})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/p", nil))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication failed")
}

func TestGetClientInfo_Absent(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetClientInfo(c))
	c.Set(clientInfoKey, "wrong type")
	assert.Nil(t, GetClientInfo(c))
}
