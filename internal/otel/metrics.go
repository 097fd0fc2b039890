package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metrics instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	AttemptDuration     metric.Float64Histogram
	BackendCallDuration metric.Float64Histogram
	TokensUsed          metric.Int64Counter
	AttemptErrors       metric.Int64Counter
	ActiveRequests      metric.Int64UpDownCounter
	RequestsQueuedTotal metric.Int64Counter
	StreamTokens        metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
	ReactionsTotal      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("krab.request.duration",
		metric.WithDescription("End-to-end request duration, submit to completion, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram("krab.attempt.duration",
		metric.WithDescription("Duration of a single router attempt against one tier/model in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCallDuration, err = meter.Float64Histogram("krab.backend.duration",
		metric.WithDescription("Outbound backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("krab.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptErrors, err = meter.Int64Counter("krab.attempt.errors",
		metric.WithDescription("Failed router attempts, by tier and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter("krab.request.active",
		metric.WithDescription("Number of requests currently in flight across all chat queues"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsQueuedTotal, err = meter.Int64Counter("krab.request.queued",
		metric.WithDescription("Total requests accepted onto a chat queue"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("krab.stream.tokens",
		metric.WithDescription("Total streaming chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("krab.ratelimit.rejects",
		metric.WithDescription("Requests rejected by queue backpressure or the control-surface rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ReactionsTotal, err = meter.Int64Counter("krab.mood.reactions",
		metric.WithDescription("Total reaction feedback events recorded"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
