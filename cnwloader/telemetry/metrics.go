package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of loader metrics.
const MeterName = "github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader"

// Metrics holds the loader's OpenTelemetry instruments. A nil *Metrics records nothing.
type Metrics struct {
	StateTransitions  metric.Int64Counter
	Requests          metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	Heartbeats        metric.Int64Counter
	IntegrityVerdicts metric.Int64Counter
	SeatsInUse        metric.Int64Gauge
}

// NewMetrics creates all loader instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.StateTransitions, err = meter.Int64Counter(
		"loader_state_transitions_total",
		metric.WithDescription("Total number of session state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state transitions counter: %w", err)
	}

	m.Requests, err = meter.Int64Counter(
		"loader_requests_total",
		metric.WithDescription("Total number of requests sent to the license authority"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"loader_request_duration_seconds",
		metric.WithDescription("License authority round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.Heartbeats, err = meter.Int64Counter(
		"loader_heartbeats_total",
		metric.WithDescription("Total number of heartbeats by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeats counter: %w", err)
	}

	m.IntegrityVerdicts, err = meter.Int64Counter(
		"loader_integrity_verdicts_total",
		metric.WithDescription("Total number of computed integrity verdicts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create integrity verdicts counter: %w", err)
	}

	m.SeatsInUse, err = meter.Int64Gauge(
		"loader_seats_in_use",
		metric.WithDescription("Seats claimed on the current license at last validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create seats gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordRequest(ctx context.Context, endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	)
	m.Requests.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordHeartbeat(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordVerdict(ctx context.Context, trusted bool) {
	if m == nil {
		return
	}
	m.IntegrityVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("trusted", trusted)))
}

func (m *Metrics) RecordSeats(ctx context.Context, licenseType string, n int) {
	if m == nil {
		return
	}
	m.SeatsInUse.Record(ctx, int64(n), metric.WithAttributes(attribute.String("license_type", licenseType)))
}
