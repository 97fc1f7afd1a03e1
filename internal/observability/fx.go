package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/turnstile/internal/config"
	"github.com/smallbiznis/turnstile/internal/observability/logger"
	"github.com/smallbiznis/turnstile/internal/observability/metrics"
	"github.com/smallbiznis/turnstile/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideTracerProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		providePrometheus,
		metrics.NewIngestMetrics,
		providePushConfig,
		metrics.NewPusher,
	),
)

// WithZapEventLogger routes fx lifecycle events through the application logger.
var WithZapEventLogger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideTracerProvider(tp *sdktrace.TracerProvider) trace.TracerProvider {
	return tp
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func providePrometheus() (prometheus.Registerer, prometheus.Gatherer) {
	return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
}

func providePushConfig(cfg config.Config) metrics.PushConfig {
	return metrics.PushConfig{
		URL: cfg.Ingest.PushgatewayURL,
		Job: cfg.AppName + "_ingest",
	}
}
