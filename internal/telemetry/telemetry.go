// Package telemetry exports eventsync's traces, metrics and logs to an OTLP
// gRPC collector. Nothing is exported unless the config names an endpoint;
// until [Setup] runs, the otel globals stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/njoerd114/eventsync/internal/config"
)

const defaultServiceName = "eventsync"

// Config is the collector connection derived from the telemetry YAML block.
type Config struct {
	OTLPEndpoint string // host:port
	Insecure     bool   // plaintext gRPC
	ServiceName  string // service.name; "eventsync" when empty
	// Headers are sent as gRPC metadata on every export, e.g. an
	// Authorization token for a hosted collector.
	Headers map[string]string
}

// FromConfig reports false when the block is absent or has no endpoint.
func FromConfig(c *config.TelemetryConfig) (Config, bool) {
	if c == nil || c.OTLPEndpoint == "" {
		return Config{}, false
	}
	return Config{
		OTLPEndpoint: c.OTLPEndpoint,
		Insecure:     c.Insecure,
		ServiceName:  c.ServiceName,
		Headers:      c.Headers,
	}, true
}

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return defaultServiceName
	}
	return c.ServiceName
}

// Providers holds the installed SDK providers. Its zero value is usable and
// exports nothing.
type Providers struct {
	service string
	logs    otellog.LoggerProvider
	// closers run in reverse order on Shutdown.
	closers []func(context.Context) error
}

// Setup dials the collector once and installs trace, meter and logger
// providers on the otel globals, all sharing the connection. On error every
// partially started provider is shut down again.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	p := &Providers{service: cfg.serviceName()}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(p.service)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, func(context.Context) error {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing OTLP connection: %w", err)
		}
		return nil
	})

	for _, start := range []func(context.Context, *grpc.ClientConn, Config, *resource.Resource) error{
		p.startTraces,
		p.startMetrics,
		p.startLogs,
	} {
		if err := start(ctx, conn, cfg, res); err != nil {
			_ = p.Shutdown(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return p, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil)
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func (p *Providers) startTraces(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) error {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn), otlptracegrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	p.closers = append(p.closers, named("trace provider", tp.Shutdown))
	return nil
}

func (p *Providers) startMetrics(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) error {
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn), otlpmetricgrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	p.closers = append(p.closers, named("metric provider", mp.Shutdown))
	return nil
}

func (p *Providers) startLogs(ctx context.Context, conn *grpc.ClientConn, cfg Config, res *resource.Resource) error {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithGRPCConn(conn), otlploggrpc.WithHeaders(cfg.Headers))
	if err != nil {
		return fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	p.logs = lp
	p.closers = append(p.closers, named("log provider", lp.Shutdown))
	return nil
}

// LogHandler returns a handler that writes to base and mirrors every record
// base accepts to the OTLP log pipeline. Without a log pipeline it returns
// base unchanged.
func (p *Providers) LogHandler(base slog.Handler) slog.Handler {
	if p == nil || p.logs == nil {
		return base
	}
	return &mirrorHandler{
		primary: base,
		mirror:  otelslog.NewHandler(p.service, otelslog.WithLoggerProvider(p.logs)),
	}
}

// Shutdown flushes pending telemetry and closes the collector connection.
// Pass a fresh context; the main one is usually cancelled by now.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func named(what string, shutdown func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := shutdown(ctx); err != nil {
			return fmt.Errorf("%s shutdown: %w", what, err)
		}
		return nil
	}
}
