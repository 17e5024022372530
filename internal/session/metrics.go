package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the session-level counters. A nil *Metrics disables
// instrumentation (tests).
type Metrics struct {
	SessionsOpened metric.Int64Counter
	SessionsClosed metric.Int64Counter
	FramesDecoded  metric.Int64Counter
	FramesDropped  metric.Int64Counter
	Interruptions  metric.Int64Counter
	UpstreamErrors metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("loqa-bridge/session")
	m := &Metrics{}
	var err error
	if m.SessionsOpened, err = meter.Int64Counter("bridge_sessions_opened_total",
		metric.WithDescription("Sessions that reached the open state")); err != nil {
		return nil, err
	}
	if m.SessionsClosed, err = meter.Int64Counter("bridge_sessions_closed_total",
		metric.WithDescription("Sessions fully closed")); err != nil {
		return nil, err
	}
	if m.FramesDecoded, err = meter.Int64Counter("bridge_frames_decoded_total",
		metric.WithDescription("Client audio frames decoded")); err != nil {
		return nil, err
	}
	if m.FramesDropped, err = meter.Int64Counter("bridge_frames_dropped_total",
		metric.WithDescription("Client audio frames dropped as malformed or under backpressure")); err != nil {
		return nil, err
	}
	if m.Interruptions, err = meter.Int64Counter("bridge_interruptions_total",
		metric.WithDescription("Barge-in interruptions acted on")); err != nil {
		return nil, err
	}
	if m.UpstreamErrors, err = meter.Int64Counter("bridge_upstream_errors_total",
		metric.WithDescription("Upstream session errors")); err != nil {
		return nil, err
	}
	return m, nil
}
