package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	obscontext "github.com/smallbiznis/tablepay/internal/observability/context"
	"github.com/smallbiznis/tablepay/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to the response type and code
	// recorded on the request line.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware assigns a request id, seeds the audit context and writes one
// structured line per request once the handler chain has finished.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)

		ctx, correlationID := correlation.Ensure(c.Request.Context(), c.GetHeader(correlation.HeaderName))
		c.Header(correlation.HeaderName, correlationID)
		ctx = obscontext.WithRequestID(ctx, requestID)
		ctx = auditcontext.WithRequestID(ctx, requestID)
		ctx = auditcontext.WithIPAddress(ctx, c.ClientIP())
		ctx = auditcontext.WithUserAgent(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if provider := strings.TrimSpace(c.GetString("webhook_provider")); provider != "" {
			fields = append(fields, zap.String("webhook_provider", provider))
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, errorFields(cfg, lastErr.Err)...)
		}

		// Principal middleware enriches the context during c.Next, so read it back here.
		log := FromContext(c.Request.Context())
		if ce := log.Check(requestLevel(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(requestIDHeader, requestID)
	return requestID
}

func errorFields(cfg MiddlewareConfig, err error) []zap.Field {
	var errorType, errorCode string
	if cfg.ErrorClassifier != nil {
		errorType, errorCode = cfg.ErrorClassifier(err)
	}
	fields := []zap.Field{
		zap.String("error_type", errorType),
		zap.String("error_code", errorCode),
	}
	if cfg.Debug {
		fields = append(fields, zap.Stack("stack"))
	}
	return fields
}

// requestLevel keeps health checks at debug and rejected webhook deliveries at warn.
func requestLevel(route string, status int) zapcore.Level {
	switch {
	case route == "/metrics" || route == "/health":
		return zap.DebugLevel
	case status >= http.StatusInternalServerError:
		return zap.ErrorLevel
	case strings.HasPrefix(route, "/webhooks/") && status >= http.StatusBadRequest:
		return zap.WarnLevel
	default:
		return zap.InfoLevel
	}
}
