// Package observer provides OTEL-based observability for the daemon.
//
// Init wires trace, metric, and log providers with OTLP HTTP exporters;
// configuration comes from the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT etc.). The instruments cover the
// conversational loop: turns dispatched, worker invocations, layer
// search latency, claim contention, and batch sizes.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/halcyonlabs/chorus/observer"

// Instruments holds the OTEL instruments the daemon records into.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TurnsDispatched  metric.Int64Counter
	TurnsSkipped     metric.Int64Counter
	WorkerInvokes    metric.Int64Counter
	WorkerRestarts   metric.Int64Counter
	ClaimsWon        metric.Int64Counter
	ClaimsLost       metric.Int64Counter
	RepliesSent      metric.Int64Counter
	MessagesAppended metric.Int64Counter

	// Histograms
	TurnDuration   metric.Float64Histogram
	InvokeDuration metric.Float64Histogram
	RecallDuration metric.Float64Histogram
	BatchSize      metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers. Returns a
// shutdown function that must be called on exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	turnsDispatched, err := meter.Int64Counter("dispatch.turns",
		metric.WithDescription("Turns the dispatcher ran to completion"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	turnsSkipped, err := meter.Int64Counter("dispatch.turns_skipped",
		metric.WithDescription("Batches dropped without a reply (passive skip, lost claim)"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	workerInvokes, err := meter.Int64Counter("worker.invokes",
		metric.WithDescription("Worker invocation count"),
		metric.WithUnit("{invoke}"))
	if err != nil {
		return nil, err
	}
	workerRestarts, err := meter.Int64Counter("worker.session_restarts",
		metric.WithDescription("Sessions restarted for hitting context or turn bounds"),
		metric.WithUnit("{restart}"))
	if err != nil {
		return nil, err
	}
	claimsWon, err := meter.Int64Counter("claims.won",
		metric.WithDescription("Reply claims acquired"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}
	claimsLost, err := meter.Int64Counter("claims.lost",
		metric.WithDescription("Reply claims lost to another instance"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}
	repliesSent, err := meter.Int64Counter("dispatch.replies",
		metric.WithDescription("Reply messages broadcast, counting chunks"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	messagesAppended, err := meter.Int64Counter("ledger.appends",
		metric.WithDescription("Messages appended to the ledger"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("dispatch.turn_duration",
		metric.WithDescription("Full turn latency, batch ready to reply delivered"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	invokeDuration, err := meter.Float64Histogram("worker.invoke_duration",
		metric.WithDescription("Worker call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	recallDuration, err := meter.Float64Histogram("recall.duration",
		metric.WithDescription("Ambient recall fan-out duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram("dispatch.batch_size",
		metric.WithDescription("Messages per debounced batch"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           otel.Tracer(scopeName),
		Meter:            meter,
		Logger:           global.GetLoggerProvider().Logger(scopeName),
		TurnsDispatched:  turnsDispatched,
		TurnsSkipped:     turnsSkipped,
		WorkerInvokes:    workerInvokes,
		WorkerRestarts:   workerRestarts,
		ClaimsWon:        claimsWon,
		ClaimsLost:       claimsLost,
		RepliesSent:      repliesSent,
		MessagesAppended: messagesAppended,
		TurnDuration:     turnDuration,
		InvokeDuration:   invokeDuration,
		RecallDuration:   recallDuration,
		BatchSize:        batchSize,
	}, nil
}
