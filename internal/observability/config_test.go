package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigPrefersEnvironment(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "staging")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DB_SLOW_QUERY", "750ms")
	t.Setenv("OTEL_ENABLED", "on")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")

	cfg := LoadConfig(config.Config{AppName: "ledger", Environment: "production"})

	assert.Equal(t, "ledger", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 750*time.Millisecond, cfg.SlowQuery)
	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.True(t, cfg.Debug())
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_SLOW_QUERY", "soon")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DEPLOYMENT_ENV", "")

	cfg := LoadConfig(config.Config{Environment: "production"})

	assert.Equal(t, defaultServiceName, cfg.ServiceName)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQuery)
	assert.False(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())

	queryLog := provideGormLoggerConfig(cfg)
	assert.Equal(t, gormlogger.Warn, queryLog.Level)
	assert.Equal(t, 200*time.Millisecond, queryLog.SlowThreshold)
}
