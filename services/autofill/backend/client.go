// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend is the REST client for the prediction backend.
//
// # Description
//
// The backend is an external collaborator. This client covers the four
// calls the coordinator makes:
//   - POST /api/v1/predictions/context          submit a context signal
//   - GET  /api/v1/predictions?domain=D         list predictions for a site
//   - POST /api/v1/predictions/feedback         record used/dismissed
//   - POST /api/v1/vault/items/{id}/decrypt     resolve a credential
//
// All calls carry a bearer token. Without a token every call fails fast
// with ErrNoToken and no request is sent.
//
// # Thread Safety
//
// Client is safe for concurrent use. SetToken may race with in-flight
// calls; each call reads the token once when it builds its request.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("aleutian.autofill.backend")

// ErrNoToken is returned when a call is attempted without an auth token.
var ErrNoToken = errors.New("no auth token configured")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Recorder receives per-call outcomes. observability.Metrics implements it.
type Recorder interface {
	RecordBackend(endpoint string, elapsed time.Duration, success bool)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Client.
type Config struct {
	// BaseURL of the backend, e.g. "https://api.example.com".
	BaseURL string

	// Token is the initial bearer token. May be empty.
	Token string

	// Timeout bounds each call. Default: 10 seconds.
	Timeout time.Duration

	// RequestsPerSecond caps outbound call rate. 0 disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default: 10.
	Burst int

	// HTTPClient overrides the transport (tests). Optional.
	HTTPClient *http.Client

	Logger   *slog.Logger
	Recorder Recorder
}

// DefaultConfig returns production defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Timeout:           10 * time.Second,
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

// ContextResult is the response to a context submission.
type ContextResult struct {
	Predictions      []datatypes.PredictionItem `json:"predictions"`
	LoginProbability float64                    `json:"loginProbability"`
}

type listResponse struct {
	Predictions []datatypes.PredictionItem `json:"predictions"`
}

// =============================================================================
// Client
// =============================================================================

// Client calls the prediction backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	recorder   Recorder

	mu    sync.RWMutex
	token string
}

// NewClient builds a client from cfg.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 10
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger.With("component", "backend"),
		recorder:   cfg.Recorder,
		token:      cfg.Token,
	}, nil
}

// SetToken replaces the bearer token. Empty clears it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasToken reports whether a token is configured.
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitContext sends a context signal and returns the backend's ranked
// predictions for it.
func (c *Client) SubmitContext(ctx context.Context, sig datatypes.ContextSignal) (ContextResult, error) {
	var result ContextResult
	err := c.do(ctx, "context", http.MethodPost, "/api/v1/predictions/context", sig, &result,
		attribute.String("autofill.domain", sig.Domain))
	if err != nil {
		return ContextResult{}, err
	}
	if err := datatypes.ValidatePredictions(result.Predictions); err != nil {
		return ContextResult{}, fmt.Errorf("context response: %w", err)
	}
	result.Predictions = datatypes.ClonePredictions(result.Predictions)
	return result, nil
}

// ListPredictions fetches the current predictions for domain.
func (c *Client) ListPredictions(ctx context.Context, domain string) ([]datatypes.PredictionItem, error) {
	var resp listResponse
	path := "/api/v1/predictions?domain=" + url.QueryEscape(domain)
	if err := c.do(ctx, "predictions", http.MethodGet, path, nil, &resp,
		attribute.String("autofill.domain", domain)); err != nil {
		return nil, err
	}
	if err := datatypes.ValidatePredictions(resp.Predictions); err != nil {
		return nil, fmt.Errorf("predictions response: %w", err)
	}
	return datatypes.ClonePredictions(resp.Predictions), nil
}

// RecordFeedback forwards a used/dismissed event.
func (c *Client) RecordFeedback(ctx context.Context, ev datatypes.FeedbackEvent) error {
	return c.do(ctx, "feedback", http.MethodPost, "/api/v1/predictions/feedback", ev, nil,
		attribute.String("autofill.feedback_kind", string(ev.FeedbackKind)))
}

// DecryptCredential resolves a vault item into a usable credential.
func (c *Client) DecryptCredential(ctx context.Context, vaultItemID string) (datatypes.Credential, error) {
	if vaultItemID == "" {
		return datatypes.Credential{}, errors.New("vault item id is required")
	}
	var cred datatypes.Credential
	path := "/api/v1/vault/items/" + url.PathEscape(vaultItemID) + "/decrypt"
	if err := c.do(ctx, "decrypt", http.MethodPost, path, struct{}{}, &cred); err != nil {
		return datatypes.Credential{}, err
	}
	return cred, nil
}

// do performs one JSON call. body nil sends no body; out nil discards the
// response body.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any, attrs ...attribute.KeyValue) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "backend."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		if c.recorder != nil {
			c.recorder.RecordBackend(endpoint, time.Since(start), err == nil)
		}
	}()

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return ErrNoToken
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	span.SetAttributes(attribute.String("http.request_id", requestID))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}

	c.logger.Debug("backend call",
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
