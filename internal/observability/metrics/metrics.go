package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTLP instruments for ingest volume.
type Metrics struct {
	readings        metric.Int64Counter
	malformedRows   metric.Int64Counter
	intervals       metric.Int64Counter
	outliersDropped metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "turnstile"
	}
	meter := provider.Meter(name)

	readings, err := meter.Int64Counter("turnstile_readings_total")
	if err != nil {
		return nil, err
	}
	malformedRows, err := meter.Int64Counter("turnstile_malformed_rows_total")
	if err != nil {
		return nil, err
	}
	intervals, err := meter.Int64Counter("turnstile_intervals_total")
	if err != nil {
		return nil, err
	}
	outliersDropped, err := meter.Int64Counter("turnstile_outliers_dropped_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		readings:        readings,
		malformedRows:   malformedRows,
		intervals:       intervals,
		outliersDropped: outliersDropped,
	}, nil
}

// RecordReadings counts readings parsed from one file.
func (m *Metrics) RecordReadings(ctx context.Context, era string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("era", strings.TrimSpace(era)))
	m.readings.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordMalformedRows counts rows dropped by the parser.
func (m *Metrics) RecordMalformedRows(ctx context.Context, era, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("era", strings.TrimSpace(era)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.malformedRows.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordIntervals counts interval records committed.
func (m *Metrics) RecordIntervals(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.intervals.Add(ctx, int64(count))
}

// RecordOutliersDropped counts deltas dropped by the outlier policy.
func (m *Metrics) RecordOutliersDropped(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outliersDropped.Add(ctx, int64(count))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"era":    {},
	"reason": {},
	"status": {},
	"stage":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
