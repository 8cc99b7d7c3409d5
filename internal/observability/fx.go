package observability

import (
	"github.com/smallbiznis/tablepay/internal/observability/logger"
	"github.com/smallbiznis/tablepay/internal/observability/metrics"
	"github.com/smallbiznis/tablepay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	gormlogger "gorm.io/gorm/logger"
)

// Module provides the zap logger, the tracer provider and the Prometheus
// collectors, all configured from one Config.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
	),
	// The tracer provider has no consumers in the graph; requesting it
	// installs the global provider and its shutdown hook.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

type componentConfigs struct {
	fx.Out

	Logger   logger.Config
	QueryLog *logger.GormLoggerConfig
	Tracing  tracing.Config
	Metrics  metrics.Config
}

func splitConfig(cfg Config) componentConfigs {
	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.Debug(),
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		},
		QueryLog: provideGormLoggerConfig(cfg),
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}

// provideGormLoggerConfig logs every statement when query debugging is on,
// otherwise only warnings and statements slower than SlowQuery.
func provideGormLoggerConfig(cfg Config) *logger.GormLoggerConfig {
	level := gormlogger.Warn
	if cfg.QueryDebug {
		level = gormlogger.Info
	}
	return &logger.GormLoggerConfig{
		Level:                level,
		SlowThreshold:        cfg.SlowQuery,
		IgnoreRecordNotFound: true,
	}
}
