package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tablepay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/webhooks/:provider"),
		attribute.String("webhook.signature", "deadbeef"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route, got %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	long := errors.New(strings.Repeat("x", 400))
	if got := len(SafeError(long).Error()); got != 256 {
		t.Fatalf("expected 256 chars, got %d", got)
	}
}

func TestGinMiddlewareTagsTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(previous)

	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/api/bills/:id", func(c *gin.Context) {
		ctx := obscontext.WithRestaurantID(c.Request.Context(), "101")
		c.Request = c.Request.WithContext(ctx)
		c.Status(http.StatusServiceUnavailable)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bills/7", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "HTTP GET /api/bills/:id" {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", span.Status().Code)
	}
	found := false
	for _, attr := range span.Attributes() {
		if attr.Key == "tablepay.restaurant_id" && attr.Value.AsString() == "101" {
			found = true
		}
	}
	if !found {
		t.Fatalf("restaurant attribute missing: %v", span.Attributes())
	}
}
