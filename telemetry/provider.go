// Package telemetry exports OpenTelemetry traces for task runs, pipeline
// stages and mention polls.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "replykit"

// Config is the [telemetry] section.
type Config struct {
	// Enabled turns exporting on. When false spans go to the global no-op
	// provider.
	Enabled bool `toml:"enabled"`

	// ServiceName falls back to OTEL_SERVICE_NAME, then "replykit".
	ServiceName    string `toml:"service_name"`
	ServiceVersion string `toml:"-"`

	// Endpoint is host:port of the collector. Falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT. A scheme prefix is ignored.
	Endpoint string            `toml:"endpoint"`
	Protocol string            `toml:"protocol"` // grpc or http
	Insecure bool              `toml:"insecure"`
	Headers  map[string]string `toml:"headers"`

	// SampleRatio is the fraction of root spans kept; child spans follow
	// their parent. Zero means keep everything.
	SampleRatio float64 `toml:"sample_ratio"`

	// Debug records post and reply text on spans.
	Debug bool `toml:"debug"`

	BatchTimeout  time.Duration `toml:"batch_timeout"`
	ExportTimeout time.Duration `toml:"export_timeout"`
}

// resolve fills defaults from the environment and checks the result.
func (c Config) resolve(getenv func(string) string) (Config, error) {
	if c.Endpoint == "" {
		c.Endpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.Endpoint == "" {
		return c, fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	for _, scheme := range []string{"http://", "https://"} {
		c.Endpoint = strings.TrimPrefix(c.Endpoint, scheme)
	}
	if c.ServiceName == "" {
		c.ServiceName = getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.Protocol == "" {
		c.Protocol = "grpc"
	}
	if c.Protocol != "grpc" && c.Protocol != "http" {
		return c, fmt.Errorf("unknown telemetry protocol %q (use grpc or http)", c.Protocol)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return c, fmt.Errorf("telemetry sample_ratio must be within [0, 1]")
	}
	return c, nil
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio == 0 || c.SampleRatio == 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

func newExporter(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
	if c.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		if c.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(c.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}
	if c.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(c.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Provider owns the SDK tracer provider. Shutdown flushes pending spans.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider installs a batching OTLP exporter as the global tracer
// provider and W3C trace context as the propagator.
func InitProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg, err := cfg.resolve(os.Getenv)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(tp, cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

func (p *Provider) Tracer() *Tracer { return p.tracer }

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
