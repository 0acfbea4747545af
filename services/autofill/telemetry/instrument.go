// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/AleutianAI/AleutianAutofill/services/autofill"

// Instruments traces and times page messages.
//
// # Thread Safety
//
// Safe for concurrent use.
type Instruments struct {
	// Logger receives failed messages with their trace ids. Nil uses
	// slog.Default().
	Logger *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewInstruments creates the message span and metric instruments.
//
// # Inputs
//
//   - mp: Meter provider, e.g. otel.GetMeterProvider().
//   - tp: Tracer provider, e.g. otel.GetTracerProvider().
//
// # Outputs
//
//   - *Instruments: Ready to Wrap handlers.
//   - error: Non-nil if an instrument cannot be registered.
func NewInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)

	duration, err := meter.Float64Histogram("autofill.message.duration",
		metric.WithDescription("Time to answer a page message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create message duration histogram: %w", err)
	}
	inflight, err := meter.Int64UpDownCounter("autofill.message.inflight",
		metric.WithDescription("Page messages currently being handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("create inflight counter: %w", err)
	}

	return &Instruments{
		tracer:   tp.Tracer(instrumentationName),
		duration: duration,
		inflight: inflight,
	}, nil
}

// Wrap returns a handler that runs next inside an "autofill.message" span
// and records its latency by kind and outcome. Tab lifecycle calls are
// forwarded when next tracks tabs.
func (in *Instruments) Wrap(next messaging.Handler) messaging.Handler {
	return &instrumentedHandler{next: next, in: in}
}

type instrumentedHandler struct {
	next messaging.Handler
	in   *Instruments
}

func (h *instrumentedHandler) Handle(ctx context.Context, tabID int, msg datatypes.Message) datatypes.Response {
	kind := "unknown"
	if msg != nil {
		kind = string(msg.Kind())
	}
	kindAttr := attribute.String("kind", kind)

	ctx, span := h.in.tracer.Start(ctx, "autofill.message "+kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(kindAttr, attribute.Int("tab_id", tabID)),
	)
	defer span.End()

	h.in.inflight.Add(ctx, 1, metric.WithAttributes(kindAttr))
	start := time.Now()
	resp := h.next.Handle(ctx, tabID, msg)
	elapsed := time.Since(start).Seconds()
	h.in.inflight.Add(ctx, -1, metric.WithAttributes(kindAttr))

	status := "success"
	if resp.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		status = "failure"
		span.SetStatus(codes.Error, resp.Error)
		LoggerWithTrace(ctx, h.in.Logger).Debug("page message failed",
			slog.String("kind", kind),
			slog.Int("tab_id", tabID),
			slog.String("error", resp.Error),
		)
	}
	h.in.duration.Record(ctx, elapsed, metric.WithAttributes(kindAttr, attribute.String("status", status)))
	return resp
}

func (h *instrumentedHandler) TabActivated(tabID int, rawURL string) {
	if t, ok := h.next.(messaging.TabTracker); ok {
		t.TabActivated(tabID, rawURL)
	}
}

func (h *instrumentedHandler) TabRemoved(tabID int) {
	if t, ok := h.next.(messaging.TabTracker); ok {
		t.TabRemoved(tabID)
	}
}
