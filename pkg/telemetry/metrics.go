// SPDX-License-Identifier: Apache-2.0
// Package telemetry wires logging, tracing, and metrics for Troupe.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/troupe/pkg/errors"
)

// BusMetrics tracks message flow through the bus for production monitoring.
type BusMetrics struct {
	// sentCounter counts messages accepted by Send, by type and target role.
	sentCounter metric.Int64Counter

	// deliveredCounter counts terminal successful deliveries.
	deliveredCounter metric.Int64Counter

	// failedCounter counts terminal failures by error code.
	failedCounter metric.Int64Counter

	// deadLetterCounter counts messages moved to the dead-letter record.
	deadLetterCounter metric.Int64Counter

	// deliveryDuration records end-to-end request latency in seconds.
	deliveryDuration metric.Float64Histogram

	// queueDepthGauge tracks per-role backlog depth.
	queueDepthGauge metric.Int64Gauge

	// activeTasksGauge tracks per-role in-flight handler invocations.
	activeTasksGauge metric.Int64Gauge
}

// NewBusMetrics creates a bus metrics tracker with OTEL meters.
func NewBusMetrics() (*BusMetrics, error) {
	meter := otel.Meter("troupe/bus")

	sentCounter, err := meter.Int64Counter(
		"troupe.messages.sent",
		metric.WithDescription("Messages accepted by the bus, by type and role"),
	)
	if err != nil {
		return nil, err
	}

	deliveredCounter, err := meter.Int64Counter(
		"troupe.messages.delivered",
		metric.WithDescription("Requests resolved with a response"),
	)
	if err != nil {
		return nil, err
	}

	failedCounter, err := meter.Int64Counter(
		"troupe.messages.failed",
		metric.WithDescription("Requests resolved as terminal failures, by error code"),
	)
	if err != nil {
		return nil, err
	}

	deadLetterCounter, err := meter.Int64Counter(
		"troupe.messages.deadlettered",
		metric.WithDescription("Messages moved to the dead-letter record"),
	)
	if err != nil {
		return nil, err
	}

	deliveryDuration, err := meter.Float64Histogram(
		"troupe.delivery.duration",
		metric.WithDescription("End-to-end request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueDepthGauge, err := meter.Int64Gauge(
		"troupe.queue.depth",
		metric.WithDescription("Dispatch queue depth per role"),
	)
	if err != nil {
		return nil, err
	}

	activeTasksGauge, err := meter.Int64Gauge(
		"troupe.tasks.active",
		metric.WithDescription("In-flight handler invocations per role"),
	)
	if err != nil {
		return nil, err
	}

	return &BusMetrics{
		sentCounter:       sentCounter,
		deliveredCounter:  deliveredCounter,
		failedCounter:     failedCounter,
		deadLetterCounter: deadLetterCounter,
		deliveryDuration:  deliveryDuration,
		queueDepthGauge:   queueDepthGauge,
		activeTasksGauge:  activeTasksGauge,
	}, nil
}

// RecordSent increments the sent counter.
func (m *BusMetrics) RecordSent(ctx context.Context, msgType, role string) {
	if m == nil {
		return
	}
	m.sentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
		attribute.String("role", role),
	))
}

// RecordDelivered increments the delivered counter and records latency.
func (m *BusMetrics) RecordDelivered(ctx context.Context, role string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.deliveredCounter.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, seconds, attrs)
}

// RecordFailed increments the failed counter with the error code.
func (m *BusMetrics) RecordFailed(ctx context.Context, role string, code errors.ErrorCode) {
	if m == nil {
		return
	}
	m.failedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("error.code", string(code)),
	))
}

// RecordDeadLetter increments the dead-letter counter.
func (m *BusMetrics) RecordDeadLetter(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.deadLetterCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// RecordQueueDepth records the current backlog depth for a role.
func (m *BusMetrics) RecordQueueDepth(ctx context.Context, role string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepthGauge.Record(ctx, depth, metric.WithAttributes(
		attribute.String("role", role),
	))
}

// RecordActiveTasks records the current in-flight count for a role.
func (m *BusMetrics) RecordActiveTasks(ctx context.Context, role string, active int64) {
	if m == nil {
		return
	}
	m.activeTasksGauge.Record(ctx, active, metric.WithAttributes(
		attribute.String("role", role),
	))
}
