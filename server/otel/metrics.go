// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/mqauth"

// Metrics holds OpenTelemetry metric instruments for authorization decisions.
// It satisfies hooks.Recorder, authority.Recorder and authz.CacheRecorder.
type Metrics struct {
	meter metric.Meter

	// Counters
	decisionsTotal      metric.Int64Counter
	authorityCallsTotal metric.Int64Counter
	cacheLookupsTotal   metric.Int64Counter
	connectionsTotal    metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	decisionDuration  metric.Float64Histogram
	authorityDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider uses the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.decisionsTotal, err = m.meter.Int64Counter(
		"mqauth.decisions.total",
		metric.WithDescription("Hook decisions by hook and verdict"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisionsTotal counter: %w", err)
	}

	m.authorityCallsTotal, err = m.meter.Int64Counter(
		"mqauth.authority.calls.total",
		metric.WithDescription("Remote authority calls by endpoint and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorityCallsTotal counter: %w", err)
	}

	m.cacheLookupsTotal, err = m.meter.Int64Counter(
		"mqauth.cache.lookups.total",
		metric.WithDescription("Forward-time decision cache lookups by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cacheLookupsTotal counter: %w", err)
	}

	m.connectionsTotal, err = m.meter.Int64Counter(
		"mqauth.connections.total",
		metric.WithDescription("Total number of MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mqauth.connections.current",
		metric.WithDescription("Current number of tracked MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.decisionDuration, err = m.meter.Float64Histogram(
		"mqauth.decision.duration.ms",
		metric.WithDescription("Hook decision latency in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisionDuration histogram: %w", err)
	}

	m.authorityDuration, err = m.meter.Float64Histogram(
		"mqauth.authority.duration.ms",
		metric.WithDescription("Remote authority call latency in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorityDuration histogram: %w", err)
	}

	return m, nil
}

// RecordDecision records one hook verdict.
func (m *Metrics) RecordDecision(hook string, allowed bool, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("hook", hook),
		attribute.Bool("allowed", allowed),
	)
	m.decisionsTotal.Add(ctx, 1, attrs)
	m.decisionDuration.Record(ctx, ms(d), attrs)
}

// RecordAuthorityCall records one remote call.
func (m *Metrics) RecordAuthorityCall(endpoint, outcome string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	m.authorityCallsTotal.Add(ctx, 1, attrs)
	m.authorityDuration.Record(ctx, ms(d), attrs)
}

// RecordCacheLookup records a forward-time cache lookup result.
func (m *Metrics) RecordCacheLookup(result string) {
	m.cacheLookupsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordConnection records a new tracked connection.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a tracked connection going away.
func (m *Metrics) RecordDisconnection() {
	m.connectionsCurrent.Add(context.Background(), -1)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
