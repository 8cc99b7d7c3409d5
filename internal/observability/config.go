package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tablepay/internal/config"
)

const defaultServiceName = "tablepay"

// Config is the observability view of the process. OTEL_* variables keep
// their OpenTelemetry SDK meaning and win over the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	// SlowQuery is the statement duration above which gorm queries are logged at warn.
	SlowQuery  time.Duration
	QueryDebug bool

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	env := envReader{lookup: os.Getenv}

	protocol := env.lower("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	protocol = env.lower("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", protocol)

	ratio := env.float("OTEL_SAMPLING_RATIO", 1)
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          env.str("DEPLOYMENT_ENV", cfg.Environment),
		Version:              env.str("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             env.lower("LOG_LEVEL", "info"),
		LogFormat:            env.lower("LOG_FORMAT", "json"),
		SlowQuery:            env.duration("DB_SLOW_QUERY", 200*time.Millisecond),
		QueryDebug:           env.boolean("DB_LOG_QUERIES", false),
		OtelEnabled:          env.boolean("OTEL_ENABLED", false),
		OtelExporterEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug reports whether verbose logging applies, either explicitly or
// because the process runs in a development environment.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

type envReader struct {
	lookup func(string) string
}

func (r envReader) str(key, def string) string {
	if value := strings.TrimSpace(r.lookup(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func (r envReader) lower(key, def string) string {
	return strings.ToLower(r.str(key, def))
}

func (r envReader) boolean(key string, def bool) bool {
	value, err := strconv.ParseBool(r.lower(key, ""))
	if err != nil {
		switch r.lower(key, "") {
		case "yes", "y", "on":
			return true
		case "no", "n", "off":
			return false
		}
		return def
	}
	return value
}

func (r envReader) float(key string, def float64) float64 {
	value, err := strconv.ParseFloat(r.str(key, ""), 64)
	if err != nil {
		return def
	}
	return value
}

func (r envReader) duration(key string, def time.Duration) time.Duration {
	value, err := time.ParseDuration(r.str(key, ""))
	if err != nil || value <= 0 {
		return def
	}
	return value
}
