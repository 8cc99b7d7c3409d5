package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tablepay/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "tablepay/http"

// GinMiddleware opens a server span per request. The span is renamed to
// the matched route and tagged with the tenant once handlers have run.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(httpTracerName)
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(append(
			tenantAttributes(c),
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)...)...)

		if status < http.StatusInternalServerError {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			span.RecordError(SafeError(lastErr.Err))
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// tenantAttributes reads the identity the principal middleware stored on the request.
func tenantAttributes(c *gin.Context) []attribute.KeyValue {
	ctx := c.Request.Context()
	var attrs []attribute.KeyValue
	if id := obscontext.RestaurantIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("tablepay.restaurant_id", id))
	}
	if id := obscontext.PartnerIDFromContext(ctx); id != "" {
		attrs = append(attrs, attribute.String("tablepay.partner_id", id))
	}
	if actorType, _ := obscontext.ActorFromContext(ctx); actorType != "" {
		attrs = append(attrs, attribute.String("tablepay.actor_type", actorType))
	}
	if provider := c.GetString("webhook_provider"); provider != "" {
		attrs = append(attrs, attribute.String("tablepay.webhook_provider", provider))
	}
	return attrs
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.New(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
