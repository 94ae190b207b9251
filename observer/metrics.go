package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyonlabs/chorus"
)

// otelMetrics implements chorus.Metrics over the Instruments set.
type otelMetrics struct {
	inst *Instruments
}

// NewMetrics returns a chorus.Metrics backed by inst.
func NewMetrics(inst *Instruments) chorus.Metrics {
	return &otelMetrics{inst: inst}
}

var _ chorus.Metrics = (*otelMetrics)(nil)

func channelAttr(channel string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

func (m *otelMetrics) BatchFlushed(channel string, size int) {
	m.inst.BatchSize.Record(context.Background(), int64(size), channelAttr(channel))
}

func (m *otelMetrics) ClaimWon(channel string) {
	m.inst.ClaimsWon.Add(context.Background(), 1, channelAttr(channel))
}

func (m *otelMetrics) ClaimLost(channel string) {
	ctx := context.Background()
	m.inst.ClaimsLost.Add(ctx, 1, channelAttr(channel))
	m.inst.TurnsSkipped.Add(ctx, 1, channelAttr(channel))
}

func (m *otelMetrics) TurnCompleted(channel string, elapsed time.Duration) {
	ctx := context.Background()
	m.inst.TurnsDispatched.Add(ctx, 1, channelAttr(channel))
	m.inst.TurnDuration.Record(ctx, float64(elapsed.Milliseconds()), channelAttr(channel))
}

func (m *otelMetrics) TurnSkipped(channel string) {
	m.inst.TurnsSkipped.Add(context.Background(), 1, channelAttr(channel))
}

func (m *otelMetrics) ReplySent(channel string, chunks int) {
	m.inst.RepliesSent.Add(context.Background(), int64(chunks), channelAttr(channel))
}

func (m *otelMetrics) WorkerInvoked(session string, elapsed time.Duration) {
	ctx := context.Background()
	opt := metric.WithAttributes(attribute.String("session", session))
	m.inst.WorkerInvokes.Add(ctx, 1, opt)
	m.inst.InvokeDuration.Record(ctx, float64(elapsed.Milliseconds()), opt)
}

func (m *otelMetrics) SessionRestarted(session, reason string) {
	m.inst.WorkerRestarts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("session", session), attribute.String("reason", reason)))
}

func (m *otelMetrics) RecallCompleted(elapsed time.Duration) {
	m.inst.RecallDuration.Record(context.Background(), float64(elapsed.Milliseconds()))
}
