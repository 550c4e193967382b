// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the LIS server: HTTP middleware, the /metrics handler and the workflow
// counters recorded by the rejection service.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const namespace = "lis"

// TelemetryConfig holds the configuration of the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is an OTLP/HTTP URL. Tracing is off when it is empty.
	OTLPEndpoint string
	// SampleRate is the fraction of traces kept, 0 < rate <= 1.
	SampleRate float64
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "lis"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Option customises a Provider.
type Option func(*options)

type options struct {
	spanProcessors []sdktrace.SpanProcessor
}

// WithSpanProcessor adds a span processor and enables tracing even without
// an OTLP endpoint. Used to capture spans in tests.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spanProcessors = append(o.spanProcessors, sp) }
}

// Provider owns the metric registry and the tracer provider.
type Provider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tracer   trace.Tracer
	tp       *sdktrace.TracerProvider

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
	httpPanics   *prometheus.CounterVec

	rejections *RejectionMetrics

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewProvider builds the metric registry and, when an endpoint or span
// processor is configured, an SDK tracer provider registered as the global
// provider.
func NewProvider(ctx context.Context, cfg TelemetryConfig, opts ...Option) (*Provider, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		httpPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "panics_total",
			Help:      "Handler panics recovered, by route.",
		}, []string{"route"}),
	}
	p.rejections = newRejectionMetrics()
	reg.MustRegister(p.httpRequests, p.httpDuration, p.httpInFlight, p.httpPanics)
	p.rejections.register(reg)

	if cfg.OTLPEndpoint == "" && len(o.spanProcessors) == 0 {
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range o.spanProcessors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	p.tracer = p.tp.Tracer(cfg.ServiceName)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return p, nil
}

// RecordPanic counts a recovered handler panic.
func (p *Provider) RecordPanic(route string) {
	p.httpPanics.WithLabelValues(route).Inc()
}

// TracingEnabled reports whether spans are exported or processed.
func (p *Provider) TracingEnabled() bool { return p.tp != nil }

// Registry exposes the Prometheus registry.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Rejections returns the workflow counters.
func (p *Provider) Rejections() *RejectionMetrics { return p.rejections }

// Shutdown flushes pending spans. It is safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		if p.tp != nil {
			p.shutdownErr = p.tp.Shutdown(ctx)
		}
	})
	return p.shutdownErr
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}

// MetricsMiddleware records request counts, latency and in-flight requests,
// labelled by route template rather than raw path.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			p.httpInFlight.Inc()
			defer p.httpInFlight.Dec()

			err := next(c)

			status := responseStatus(c, err)
			route := routeOf(c)
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TracingMiddleware starts a server span per request, continuing a trace
// propagated by the caller.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := prop.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := routeOf(c)
			ctx, span := p.tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", req.URL.Path),
				))
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			status := responseStatus(c, err)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if site, ok := c.Get("site_id").(string); ok && site != "" {
				span.SetAttributes(attribute.String("lis.site_id", site))
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("lis.request_id", rid))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, stringOrEmpty(err))
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	if err != nil && !c.Response().Committed {
		return 500
	}
	return c.Response().Status
}

func routeOf(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return "unmatched"
}

func stringOrEmpty(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
