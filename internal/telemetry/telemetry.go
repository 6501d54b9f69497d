// Package telemetry wires an OpenTelemetry meter/tracer provider pair and
// the named instruments the engine's components publish to: order
// latency, risk-pipeline rejections, event-bus drops and the watchdog's
// SLA gauges. Exporters are stdout-only — no Prometheus scrape endpoint
// is in scope (see DESIGN.md).
//
// Grounded on pkg/telemetry/metrics.go's instrument-holder shape, re-keyed
// to this engine's domain metrics.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "crypto-ai-bot-sub002"

// Providers bundles the tracer/meter/logger providers built at startup and
// their combined shutdown.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logs   *sdklog.LoggerProvider
}

// New builds stdout-backed trace, metric and log providers and registers
// them as the global otel providers.
func New(ctx context.Context, serviceVersion string) (*Providers, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(instrumentationName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, err
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	reader := sdkmetric.NewPeriodicReader(noopExporter{})
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	logExp, err := stdoutlog.New()
	if err != nil {
		return nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)

	return &Providers{Tracer: tp, Meter: mp, Logs: lp}, nil
}

// Shutdown flushes and closes every provider, ignoring a context that has
// already been canceled so in-flight exports still get a chance to drain.
func (p *Providers) Shutdown(ctx context.Context) error {
	if err := p.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	if err := p.Meter.Shutdown(ctx); err != nil {
		return err
	}
	return p.Logs.Shutdown(ctx)
}

// Instruments holds every named metric the engine's components publish to.
type Instruments struct {
	OrderLatency    metric.Float64Histogram
	RiskRejections  metric.Int64Counter
	BusDrops        metric.Int64Counter
	TradesExecuted  metric.Int64Counter
	RealizedPnL     metric.Float64Counter
	SLAErrorRate    metric.Float64ObservableGauge
	SLAAvgLatencyMs metric.Float64ObservableGauge

	mu           sync.RWMutex
	errorRate    map[string]float64
	avgLatencyMs map[string]float64
}

// NewInstruments registers every instrument against meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	in := &Instruments{
		errorRate:    make(map[string]float64),
		avgLatencyMs: make(map[string]float64),
	}

	var err error
	in.OrderLatency, err = meter.Float64Histogram("engine_order_latency_ms",
		metric.WithDescription("Broker order round-trip latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	in.RiskRejections, err = meter.Int64Counter("engine_risk_rejections_total",
		metric.WithDescription("Risk pipeline rejections by rule"))
	if err != nil {
		return nil, err
	}
	in.BusDrops, err = meter.Int64Counter("engine_bus_drops_total",
		metric.WithDescription("Event bus messages dropped or routed to the dead letter queue"))
	if err != nil {
		return nil, err
	}
	in.TradesExecuted, err = meter.Int64Counter("engine_trades_executed_total",
		metric.WithDescription("Trades successfully executed"))
	if err != nil {
		return nil, err
	}
	in.RealizedPnL, err = meter.Float64Counter("engine_realized_pnl_quote",
		metric.WithDescription("Cumulative realized PnL in quote currency"))
	if err != nil {
		return nil, err
	}

	in.SLAErrorRate, err = meter.Float64ObservableGauge("engine_sla_error_rate_5m",
		metric.WithDescription("Trailing 5-minute broker call error rate, per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			in.mu.RLock()
			defer in.mu.RUnlock()
			for sym, val := range in.errorRate {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	in.SLAAvgLatencyMs, err = meter.Float64ObservableGauge("engine_sla_avg_latency_ms_5m",
		metric.WithDescription("Trailing 5-minute average broker call latency, per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			in.mu.RLock()
			defer in.mu.RUnlock()
			for sym, val := range in.avgLatencyMs {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return in, nil
}

// SetSLA updates the observable gauges the watchdog's auto-pause/resume
// decision reads back from.
func (in *Instruments) SetSLA(symbol string, errorRate, avgLatencyMs float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.errorRate[symbol] = errorRate
	in.avgLatencyMs[symbol] = avgLatencyMs
}

// noopExporter satisfies sdkmetric.Exporter without shipping data anywhere;
// the process only needs the meter provider wired for in-process gauge
// callbacks (watchdog SLA reads), not an external metrics sink.
type noopExporter struct{}

func (noopExporter) Temporality(sdkmetric.InstrumentKind) metric.Temporality {
	return metric.TemporalityCumulative
}
func (noopExporter) Aggregation(sdkmetric.InstrumentKind) sdkmetric.Aggregation { return nil }
func (noopExporter) Export(context.Context, *sdkmetric.ResourceMetrics) error   { return nil }
func (noopExporter) ForceFlush(context.Context) error                          { return nil }
func (noopExporter) Shutdown(context.Context) error                            { return nil }
