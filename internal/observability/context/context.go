package context

import (
	"context"
	"strings"
)

type contextKey string

const (
	requestIDKey    contextKey = "obs_request_id"
	restaurantIDKey contextKey = "obs_restaurant_id"
	partnerIDKey    contextKey = "obs_partner_id"
	actorTypeKey    contextKey = "obs_actor_type"
	actorIDKey      contextKey = "obs_actor_id"
)

// WithRequestID stores the request identifier used for log correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithRestaurantID tags logs and spans with the tenant. Use orgcontext for
// the authoritative scope; this copy is only for correlation.
func WithRestaurantID(ctx context.Context, restaurantID string) context.Context {
	return withString(ctx, restaurantIDKey, restaurantID)
}

func RestaurantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, restaurantIDKey)
}

func WithPartnerID(ctx context.Context, partnerID string) context.Context {
	return withString(ctx, partnerIDKey, partnerID)
}

func PartnerIDFromContext(ctx context.Context) string {
	return stringValue(ctx, partnerIDKey)
}

// WithActor stores the acting principal for log correlation.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	return context.WithValue(ctx, key, strings.TrimSpace(value))
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
