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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianAutofill/services/autofill/datatypes"
	"github.com/AleutianAI/AleutianAutofill/services/autofill/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	assert.Equal(t, "autofilld", cfg.ServiceName)
	assert.Equal(t, ExporterNone, cfg.TraceExporter)
	assert.Equal(t, ExporterPrometheus, cfg.MetricExporter)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterNone

	p, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, p.Tracer)
	assert.Nil(t, p.Meter)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_StdoutTraces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterStdout
	cfg.MetricExporter = ExporterNone

	p, err := Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = "statsd"
	_, err = Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusBridge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterNone
	cfg.MetricExporter = ExporterPrometheus
	reg := prometheus.NewRegistry()

	p, err := Init(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	in, err := NewInstruments(p.Meter, sdktrace.NewTracerProvider())
	require.NoError(t, err)
	h := in.Wrap(messaging.HandlerFunc(func(context.Context, int, datatypes.Message) datatypes.Response {
		return datatypes.OK()
	}))
	h.Handle(context.Background(), 1, datatypes.GetPredictionsMessage{Domain: "bank.example"})

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, strings.Join(names, ","), "autofill_message_duration")
}

// =============================================================================
// Instruments
// =============================================================================

type tabHandler struct {
	messaging.Handler
	opened, removed []int
}

func (h *tabHandler) TabActivated(tabID int, _ string) { h.opened = append(h.opened, tabID) }
func (h *tabHandler) TabRemoved(tabID int)             { h.removed = append(h.removed, tabID) }

func TestInstruments_SpanAndHistogram(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	in, err := NewInstruments(mp, tp)
	require.NoError(t, err)
	var logs bytes.Buffer
	in.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := &tabHandler{Handler: messaging.HandlerFunc(func(_ context.Context, _ int, msg datatypes.Message) datatypes.Response {
		if msg == nil {
			return datatypes.Fail(errors.New("unknown message type"))
		}
		return datatypes.OK()
	})}
	h := in.Wrap(inner)

	assert.True(t, h.Handle(context.Background(), 2, datatypes.ToggleEnabledMessage{Enabled: true}).Success)
	assert.False(t, h.Handle(context.Background(), 2, nil).Success)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "autofill.message "+string(datatypes.ToggleEnabledMessage{}.Kind()), ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, "autofill.message unknown", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Contains(t, logs.String(), `"msg":"page message failed"`)
	assert.Contains(t, logs.String(), ended[1].SpanContext().TraceID().String())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var points int
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if hist, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == "autofill.message.duration" {
				for _, dp := range hist.DataPoints {
					points += int(dp.Count)
				}
			}
		}
	}
	assert.Equal(t, 2, points)

	tracker, ok := h.(messaging.TabTracker)
	require.True(t, ok)
	tracker.TabActivated(4, "https://bank.example")
	tracker.TabRemoved(4)
	assert.Equal(t, []int{4}, inner.opened)
	assert.Equal(t, []int{4}, inner.removed)
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}
