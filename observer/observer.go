// Package observer provides OTEL-based observability for the agent loop.
//
// It exports traces and metrics for loop cycles, role sessions, and inbound
// relay traffic via OpenTelemetry. Users export to any OTEL-compatible
// backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	substrate "github.com/rookdaemon/substrate-sub003"
)

const scopeName = "github.com/rookdaemon/substrate-sub003/observer"

// Instruments holds the host's OTEL instruments. They are fed from loop
// events; wire RecordLoopEvent with Orchestrator.Subscribe.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	cycles          metric.Int64Counter
	sessions        metric.Int64Counter
	sessionTimeouts metric.Int64Counter
	envelopesIn     metric.Int64Counter

	cycleDuration   metric.Float64Histogram
	sessionDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT,
// etc.). Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("substrate")),
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

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	cycles, err := meter.Int64Counter("loop.cycles",
		metric.WithDescription("Completed loop cycles"),
		metric.WithUnit("{cycle}"))
	if err != nil {
		return nil, err
	}

	sessions, err := meter.Int64Counter("session.launches",
		metric.WithDescription("Role session launches"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	sessionTimeouts, err := meter.Int64Counter("session.timeouts",
		metric.WithDescription("Role sessions killed on timeout"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	envelopesIn, err := meter.Int64Counter("agora.envelopes.in",
		metric.WithDescription("Verified inbound envelopes"),
		metric.WithUnit("{envelope}"))
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram("loop.cycle.duration",
		metric.WithDescription("Loop cycle duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	sessionDuration, err := meter.Float64Histogram("session.duration",
		metric.WithDescription("Role session duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          otel.Tracer(scopeName),
		Meter:           meter,
		cycles:          cycles,
		sessions:        sessions,
		sessionTimeouts: sessionTimeouts,
		envelopesIn:     envelopesIn,
		cycleDuration:   cycleDuration,
		sessionDuration: sessionDuration,
	}, nil
}

// RecordLoopEvent maps one loop event onto the instrument set. Safe to
// register as an Orchestrator subscriber; unknown event types are ignored.
func (i *Instruments) RecordLoopEvent(ev substrate.LoopEvent) {
	ctx := context.Background()
	switch ev.Type {
	case substrate.EvCycleComplete, substrate.EvTickComplete:
		i.cycles.Add(ctx, 1)
		if ms, ok := asMillis(ev.Data["durationMs"]); ok {
			i.cycleDuration.Record(ctx, ms)
		}
	case substrate.EvSessionEnded:
		i.sessions.Add(ctx, 1)
		if ms, ok := asMillis(ev.Data["durationMs"]); ok {
			i.sessionDuration.Record(ctx, ms)
		}
		if status, _ := ev.Data["status"].(string); status == string(substrate.SessionTimedOut) {
			i.sessionTimeouts.Add(ctx, 1)
		}
	case substrate.EvAgoraMessage:
		i.envelopesIn.Add(ctx, 1)
	}
}

func asMillis(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
