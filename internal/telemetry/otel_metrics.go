package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yuuki/rmcemu/internal/rmc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceVersion is reported as the service.version resource attribute
const ServiceVersion = "0.1.0"

// StatsSource supplies controller counters
type StatsSource interface {
	Stats() rmc.Stats
}

// Metrics exports controller counters and driver timing over OTLP
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Wall time of one run-to-quiescence pass
	driverPassHistogram metric.Float64Histogram

	registration metric.Registration
}

// NewMetrics creates a metrics instance exporting to collectorAddr
func NewMetrics(ctx context.Context, nodeID string, collectorAddr string, source StatsSource) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(10*time.Second),
	)
	m, err := newMetrics(nodeID, reader, source)
	if err != nil {
		return nil, err
	}

	// Set the global meter provider
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// newExporter picks the OTLP exporter from the scheme of collectorAddr
func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	// Determine exporter endpoint (host and port)
	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" {
		if parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/") {
			// "localhost:4317" parses with scheme "localhost"
			exporterEndpoint = collectorAddr
			parsedURL.Scheme = ""
		} else if collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			exporterEndpoint = collectorAddr
		} else {
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	// Default scheme to grpc if not specified
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", parsedURL.Scheme, collectorAddr)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", parsedURL.Scheme, exporterEndpoint, err)
	}
	return exporter, nil
}

func newMetrics(nodeID string, reader sdkmetric.Reader, source StatsSource) (*Metrics, error) {
	// Create a resource that identifies this node
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rmcemu"),
			semconv.ServiceVersion(ServiceVersion),
			semconv.ServiceInstanceID(nodeID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter("github.com/yuuki/rmcemu/node")

	driverPassHistogram, err := meter.Float64Histogram(
		"rmcemu.driver.pass",
		metric.WithDescription("Duration of one pipeline quiescence pass in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		name  string
		desc  string
		value func(rmc.Stats) uint64
		inst  metric.Int64ObservableCounter
	}{
		{name: "rmcemu.frames.sent", desc: "Frames handed to the transport", value: func(s rmc.Stats) uint64 { return s.FramesSent }},
		{name: "rmcemu.frames.received", desc: "Frames arriving from the transport", value: func(s rmc.Stats) uint64 { return s.FramesReceived }},
		{name: "rmcemu.frames.dropped", desc: "Frames dropped on receive or send", value: func(s rmc.Stats) uint64 { return s.FramesDropped }},
		{name: "rmcemu.rejections.sent", desc: "Requests rejected for a context mismatch", value: func(s rmc.Stats) uint64 { return s.RejectionsSent }},
		{name: "rmcemu.completions.written", desc: "Completion queue entries produced", value: func(s rmc.Stats) uint64 { return s.CompletionsWritten }},
		{name: "rmcemu.faults", desc: "Translation and memory faults", value: func(s rmc.Stats) uint64 { return s.Faults }},
	}
	observables := make([]metric.Observable, 0, len(counters))
	for i := range counters {
		inst, err := meter.Int64ObservableCounter(
			counters[i].name,
			metric.WithDescription(counters[i].desc),
			metric.WithUnit("{count}"),
		)
		if err != nil {
			return nil, err
		}
		counters[i].inst = inst
		observables = append(observables, inst)
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := source.Stats()
		for _, c := range counters {
			o.ObserveInt64(c.inst, int64(c.value(stats)))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:            provider,
		meter:               meter,
		driverPassHistogram: driverPassHistogram,
		registration:        registration,
	}, nil
}

// RecordDriverPass records the duration of one pipeline pass
func (m *Metrics) RecordDriverPass(ctx context.Context, d time.Duration, attributes ...metric.RecordOption) {
	// Convert to milliseconds
	m.driverPassHistogram.Record(ctx, float64(d.Nanoseconds())/1_000_000.0, attributes...)
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if err := m.registration.Unregister(); err != nil {
		return err
	}
	return m.provider.Shutdown(ctx)
}
