// Package traceutil wires OpenTelemetry tracing for a single probe run and
// defines the span attributes it records.
package traceutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/prometheus/common/version"
	"go.opentelemetry.io/contrib/samplers/jaegerremote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

// endpointVars enable tracing when any of them is set.
var endpointVars = []string{
	"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Enabled reports whether the environment asks for trace export. A probe is
// usually run by hand, so tracing is opt-in.
func Enabled() bool {
	if disabled, _ := strconv.ParseBool(os.Getenv("OTEL_SDK_DISABLED")); disabled {
		return false
	}

	for _, v := range endpointVars {
		if os.Getenv(v) != "" {
			return true
		}
	}

	return false
}

// InitTraceExporter creates an OTLP trace exporter and configures it as the
// global trace provider. When Enabled is false it leaves the no-op provider
// in place and returns a no-op closer.
//
// Use environment variables to configure the exporter, such as
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT.
func InitTraceExporter(ctx context.Context, logger *slog.Logger, serviceName string) (closer func(context.Context) error, err error) {
	// we don't want to propagate cancellation to the trace provider, in order
	// to allow sending the last spans of the run
	ctx = context.WithoutCancel(ctx)

	logger = logger.With("component", "trace")

	if !Enabled() {
		logger.DebugContext(ctx, "tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init OTLP exporter: %w", err)
	}

	res, err := traceResource(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(traceSampler(serviceName)),
	)

	otel.SetTracerProvider(tp)

	// W3C Trace Context and Baggage, also stamped on the probe message
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetErrorHandler(otelErrHandler(func(err error) {
		logger.ErrorContext(ctx, "OTel error", slog.Any("error", err))
	}))

	shutdown := func(ctx context.Context) error {
		// don't propagate cancellation while we shut down, but give it a 5s timeout
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		logger.DebugContext(ctx, "flushing spans")

		if err := tp.ForceFlush(ctx); err != nil {
			logger.WarnContext(ctx, "failed to flush spans", slog.Any("error", err))
		}

		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown trace provider: %w", err)
		}

		return nil
	}

	return shutdown, nil
}

type otelErrHandler func(err error)

func (o otelErrHandler) Handle(err error) {
	o(err)
}

// traceSampler samples everything unless a Jaeger sampling manager is
// configured with JAEGER_SAMPLER_MANAGER_HOST_PORT.
func traceSampler(serviceName string) sdktrace.Sampler {
	samplerURL := os.Getenv("JAEGER_SAMPLER_MANAGER_HOST_PORT")
	if samplerURL == "" {
		return sdktrace.AlwaysSample()
	}

	return jaegerremote.New(
		serviceName,
		jaegerremote.WithSamplingServerURL(samplerURL),
		jaegerremote.WithSamplingRefreshInterval(10*time.Second),
		jaegerremote.WithInitialSampler(sdktrace.AlwaysSample()),
	)
}

func traceResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	module := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		module = bi.Main.Path
	}

	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithOS(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version.Version),
			attribute.String("service.revision", version.Revision),
			attribute.String("module.path", module),
		),
	)
}
