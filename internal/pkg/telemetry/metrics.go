// Copyright The TracePatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry reports fire-and-forget engine health counters.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/tracepatch/tracepatch"

// Recorder counts per-integration enablement and load errors. A nil
// Recorder, or one whose instruments failed to build, records nothing;
// absence of a metrics sink never affects engine behavior.
type Recorder struct {
	loads      metric.Int64Counter
	loadErrors metric.Int64Counter
	enabled    metric.Int64UpDownCounter
}

// NewRecorder builds a Recorder on mp, falling back to the global meter
// provider when mp is nil. Instrument construction failures are logged and
// leave the affected counter inert.
func NewRecorder(mp metric.MeterProvider, logger *slog.Logger) *Recorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := mp.Meter(scopeName)

	r := &Recorder{}
	var err error
	r.loads, err = meter.Int64Counter(
		"tracepatch.integration.loads",
		metric.WithDescription("Number of successful integration loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		logger.Debug("failed to build load counter", "error", err)
	}
	r.loadErrors, err = meter.Int64Counter(
		"tracepatch.integration.load_errors",
		metric.WithDescription("Number of integration loads that failed and were disabled"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Debug("failed to build load error counter", "error", err)
	}
	r.enabled, err = meter.Int64UpDownCounter(
		"tracepatch.integrations.enabled",
		metric.WithDescription("Number of currently registered integrations"),
		metric.WithUnit("{integration}"),
	)
	if err != nil {
		logger.Debug("failed to build enabled counter", "error", err)
	}
	return r
}

func integrationAttr(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("integration", name))
}

// Load counts a successful integration load.
func (r *Recorder) Load(name string) {
	if r == nil || r.loads == nil {
		return
	}
	r.loads.Add(context.Background(), 1, integrationAttr(name))
}

// LoadError counts a failed integration load.
func (r *Recorder) LoadError(name string) {
	if r == nil || r.loadErrors == nil {
		return
	}
	r.loadErrors.Add(context.Background(), 1, integrationAttr(name))
}

// Registered counts an integration entering the registry.
func (r *Recorder) Registered(name string) {
	if r == nil || r.enabled == nil {
		return
	}
	r.enabled.Add(context.Background(), 1, integrationAttr(name))
}

// Unregistered counts an integration leaving the registry.
func (r *Recorder) Unregistered(name string) {
	if r == nil || r.enabled == nil {
		return
	}
	r.enabled.Add(context.Background(), -1, integrationAttr(name))
}
