// Package telemetry sets up OpenTelemetry tracing and metrics, carried
// verbatim in shape from itsjustintv's internal/telemetry.Manager
// (resource/exporter/provider wiring via otlptracehttp/otlpmetrichttp),
// with the metric set replaced by this bridge's own concerns: HTTP
// ingress, upstream Twitch API calls, WS session lifecycle, fan-out
// delivery, and reconciliation cycles.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmoriz/eventsubbridge/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rmoriz/eventsubbridge"

// Manager owns the OpenTelemetry providers and every metric instrument
// this bridge records against.
type Manager struct {
	config         *config.Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	httpRequests       metric.Int64Counter
	httpDuration       metric.Float64Histogram
	twitchAPICalls     metric.Int64Counter
	twitchAPIDuration  metric.Float64Histogram
	wsReconnects       metric.Int64Counter
	wsSessionActive    metric.Int64UpDownCounter
	fanoutDeliveries   metric.Int64Counter
	fanoutDuration     metric.Float64Histogram
	reconcileCycles    metric.Int64Counter
	interestChurn      metric.Int64Counter
	subscriptionErrors metric.Int64Counter
	configReloads      metric.Int64Counter
	configReloadErrors metric.Int64Counter
}

// NewManager creates a telemetry Manager bound to cfg.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{config: cfg, logger: logger}
}

// Start initializes the OTel SDK and every metric instrument. A no-op
// if telemetry is disabled in config.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Telemetry.Enabled {
		m.logger.Info("opentelemetry disabled")
		return nil
	}

	res := resource.NewWithAttributes(
		instrumentationName,
		attribute.String("service.name", m.config.Telemetry.ServiceName),
		attribute.String("service.version", m.config.Telemetry.ServiceVersion),
	)

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(m.config.Telemetry.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(m.config.Telemetry.Endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	m.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(m.tracerProvider)
	otel.SetMeterProvider(m.meterProvider)

	m.tracer = m.tracerProvider.Tracer(instrumentationName)
	m.meter = m.meterProvider.Meter(instrumentationName)

	if err := m.initMetrics(); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	m.logger.Info("opentelemetry started",
		"endpoint", m.config.Telemetry.Endpoint,
		"service_name", m.config.Telemetry.ServiceName)
	return nil
}

func (m *Manager) initMetrics() error {
	var err error

	if m.httpRequests, err = m.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests served"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.httpDuration, err = m.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request handling duration"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.twitchAPICalls, err = m.meter.Int64Counter("twitch_api_calls_total",
		metric.WithDescription("Total Twitch Helix/EventSub API calls"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.twitchAPIDuration, err = m.meter.Float64Histogram("twitch_api_duration_seconds",
		metric.WithDescription("Duration of Twitch Helix/EventSub API calls"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.wsReconnects, err = m.meter.Int64Counter("upstream_ws_reconnects_total",
		metric.WithDescription("Total upstream EventSub WebSocket reconnects"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.wsSessionActive, err = m.meter.Int64UpDownCounter("upstream_ws_session_active",
		metric.WithDescription("1 while the upstream EventSub WebSocket session is established"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.fanoutDeliveries, err = m.meter.Int64Counter("fanout_deliveries_total",
		metric.WithDescription("Total fan-out deliveries to downstream services"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.fanoutDuration, err = m.meter.Float64Histogram("fanout_delivery_duration_seconds",
		metric.WithDescription("Duration of fan-out deliveries"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.reconcileCycles, err = m.meter.Int64Counter("subscription_reconcile_cycles_total",
		metric.WithDescription("Total SubscriptionManager reconciliation cycles"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.interestChurn, err = m.meter.Int64Counter("interest_churn_total",
		metric.WithDescription("Total interest create/delete/prune events"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.subscriptionErrors, err = m.meter.Int64Counter("subscription_errors_total",
		metric.WithDescription("Total subscription.error envelopes emitted"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.configReloads, err = m.meter.Int64Counter("config_reloads_total",
		metric.WithDescription("Total successful config reloads"), metric.WithUnit("{count}")); err != nil {
		return err
	}
	if m.configReloadErrors, err = m.meter.Int64Counter("config_reload_errors_total",
		metric.WithDescription("Total failed config reloads"), metric.WithUnit("{count}")); err != nil {
		return err
	}

	return nil
}

// Stop shuts down the OTel providers, flushing any buffered telemetry.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.config.Telemetry.Enabled {
		return nil
	}

	var err error
	if m.tracerProvider != nil {
		err = m.tracerProvider.Shutdown(ctx)
	}
	if m.meterProvider != nil {
		if shutdownErr := m.meterProvider.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to shutdown opentelemetry: %w", err)
	}

	m.logger.Info("opentelemetry stopped")
	return nil
}

// StartSpan starts a span, or returns a no-op span if telemetry is
// disabled.
func (m *Manager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !m.config.Telemetry.Enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordHTTPRequest records one served HTTP request.
func (m *Manager) RecordHTTPRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if !m.config.Telemetry.Enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTwitchAPICall records one outbound Helix/EventSub call.
func (m *Manager) RecordTwitchAPICall(ctx context.Context, endpoint string, duration time.Duration, success bool) {
	if !m.config.Telemetry.Enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", success),
	)
	m.twitchAPICalls.Add(ctx, 1, attrs)
	m.twitchAPIDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordWSReconnect records one upstream WS reconnect attempt.
func (m *Manager) RecordWSReconnect(ctx context.Context, reason string) {
	if !m.config.Telemetry.Enabled {
		return
	}
	m.wsReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordWSSessionActive sets the upstream WS session's liveness gauge
// (delta +1 on welcome, -1 on disconnect).
func (m *Manager) RecordWSSessionActive(ctx context.Context, delta int64) {
	if !m.config.Telemetry.Enabled {
		return
	}
	m.wsSessionActive.Add(ctx, delta)
}

// RecordFanoutDelivery records one fan-out delivery attempt.
func (m *Manager) RecordFanoutDelivery(ctx context.Context, transport string, success bool, duration time.Duration) {
	if !m.config.Telemetry.Enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.Bool("success", success),
	)
	m.fanoutDeliveries.Add(ctx, 1, attrs)
	m.fanoutDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordReconcileCycle records one SubscriptionManager reconciliation
// pass (startup or stale-prune driven).
func (m *Manager) RecordReconcileCycle(ctx context.Context, trigger string) {
	if !m.config.Telemetry.Enabled {
		return
	}
	m.reconcileCycles.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordInterestChurn records an interest create, delete, or prune.
func (m *Manager) RecordInterestChurn(ctx context.Context, kind string) {
	if !m.config.Telemetry.Enabled {
		return
	}
	m.interestChurn.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSubscriptionError records one emitted subscription.error
// envelope.
func (m *Manager) RecordSubscriptionError(ctx context.Context, code string) {
	if !m.config.Telemetry.Enabled {
		return
	}
	m.subscriptionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordConfigReload records a config hot-reload attempt.
func (m *Manager) RecordConfigReload(ctx context.Context, success bool) {
	if !m.config.Telemetry.Enabled {
		return
	}
	if success {
		m.configReloads.Add(ctx, 1)
	} else {
		m.configReloadErrors.Add(ctx, 1)
	}
}

// GetTracer returns the manager's tracer.
func (m *Manager) GetTracer() trace.Tracer {
	return m.tracer
}

// GetMeter returns the manager's meter.
func (m *Manager) GetMeter() metric.Meter {
	return m.meter
}
