// Package telemetry wires OpenTelemetry tracing for treasury binaries.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const DefaultService = "treasuryd"

type Config struct {
	Service    string
	Endpoint   string
	Headers    map[string]string
	Timeout    time.Duration
	Insecure   bool
	Required   bool
	Sampler    string
	SamplerArg string
}

// ConfigFromEnv reads the standard OTEL_* variables.
func ConfigFromEnv(service string, getenv func(string) string) Config {
	return Config{
		Service:    service,
		Endpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:    parseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:    time.Second * time.Duration(envInt(getenv, "OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:   getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:   getenv("OTEL_REQUIRED") == "true",
		Sampler:    getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg: getenv("OTEL_TRACES_SAMPLER_ARG"),
	}
}

// Init installs the global tracer provider. Without an endpoint spans stay
// in-process; an optional exporter that fails to start is logged and skipped.
func Init(ctx context.Context, cfg Config, log zerolog.Logger) (func(context.Context) error, error) {
	service := serviceName(cfg.Service)
	sampler := parseSampler(cfg.Sampler, cfg.SamplerArg)
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	local := func() (func(context.Context) error, error) {
		tp := trace.NewTracerProvider(trace.WithResource(res), trace.WithSampler(sampler))
		install(tp)
		return tp.Shutdown, nil
	}
	if cfg.Endpoint == "" {
		return local()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Warn().Err(err).Str("endpoint", cfg.Endpoint).Msg("otel exporter disabled")
		return local()
	}
	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
		trace.WithBatcher(exporter),
	)
	install(tp)
	return tp.Shutdown, nil
}

func install(tp *trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

func serviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultService
	}
	return name
}

// StartSpan opens a span on the global provider tagged with a vault id.
func StartSpan(ctx context.Context, name, vaultID string) (context.Context, oteltrace.Span) {
	ctx, span := otel.Tracer("treasury/engine").Start(ctx, name)
	if vaultID != "" {
		span.SetAttributes(attribute.String("treasury.vault_id", vaultID))
	}
	return ctx, span
}

// EndSpan records err on span and closes it.
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)
	ratio := 1.0
	if arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(service string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(service))
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(getenv func(string) string, key string, def int) int {
	if v := getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
