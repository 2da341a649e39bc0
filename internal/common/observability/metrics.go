package observability

import (
	"context"
	"log"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	ServiceName    string
	JaegerEndpoint string
	// Registerer defaults to the prometheus default registry.
	Registerer promclient.Registerer
}

// Observability bundles the otel meter and tracer used by the lifecycle.
// A nil *Observability is valid and records nothing.
type Observability struct {
	meterProvider      *metric.MeterProvider
	tracerProvider     *sdktrace.TracerProvider
	tracer             trace.Tracer
	transitionCounter  otelmetric.Int64Counter
	transitionDuration otelmetric.Float64Histogram
	jobCounter         otelmetric.Int64Counter
	jobDuration        otelmetric.Float64Histogram
}

func New(opts Options) *Observability {
	o := &Observability{tracer: noop.NewTracerProvider().Tracer(opts.ServiceName)}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))

	if opts.JaegerEndpoint != "" {
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.JaegerEndpoint)))
		if err != nil {
			log.Printf("Failed to create Jaeger exporter: %v", err)
		} else {
			o.tracerProvider = sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(o.tracerProvider)
			o.tracer = o.tracerProvider.Tracer(opts.ServiceName)
		}
	}

	var promOpts []prometheus.Option
	if opts.Registerer != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(opts.Registerer))
	}
	exporter, err := prometheus.New(promOpts...)
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return o
	}

	o.meterProvider = metric.NewMeterProvider(metric.WithReader(exporter), metric.WithResource(res))
	otel.SetMeterProvider(o.meterProvider)
	meter := o.meterProvider.Meter(opts.ServiceName)

	// The exporter keeps dots in names verbatim; series names stay underscored.
	o.transitionCounter, _ = meter.Int64Counter(
		"lifecycle_commits",
		otelmetric.WithDescription("Committed state transitions"),
	)
	o.transitionDuration, _ = meter.Float64Histogram(
		"lifecycle_commit_duration",
		otelmetric.WithDescription("Time from request to commit, retries included"),
		otelmetric.WithUnit("ms"),
	)
	o.jobCounter, _ = meter.Int64Counter(
		"jobs_processed",
		otelmetric.WithDescription("Number of jobs processed"),
	)
	o.jobDuration, _ = meter.Float64Histogram(
		"jobs_duration",
		otelmetric.WithDescription("Job processing duration"),
		otelmetric.WithUnit("ms"),
	)
	return o
}

// StartSpan starts a span on the lifecycle tracer. The caller ends it.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordTransition(ctx context.Context, vocabulary, channel, to string, duration time.Duration) {
	if o == nil || o.transitionCounter == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("vocabulary", vocabulary),
		attribute.String("channel", channel),
		attribute.String("to", to),
	)
	o.transitionCounter.Add(ctx, 1, attrs)
	o.transitionDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o == nil || o.jobCounter == nil {
		return
	}
	o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o == nil || o.jobDuration == nil {
		return
	}
	o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
}
