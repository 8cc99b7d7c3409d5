package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RestaurantContextKey is the request context key for the restaurant (tenant) in scope.
type RestaurantContextKey struct{}

// PartnerContextKey is the request context key for the reseller partner in scope.
type PartnerContextKey struct{}

// WithRestaurantID stores the restaurant ID in the context.
func WithRestaurantID(ctx context.Context, restaurantID snowflake.ID) context.Context {
	return context.WithValue(ctx, RestaurantContextKey{}, restaurantID)
}

// RestaurantIDFromContext returns the restaurant ID from context, if set.
func RestaurantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idValue(ctx, RestaurantContextKey{})
}

// WithPartnerID stores the partner ID in the context.
func WithPartnerID(ctx context.Context, partnerID snowflake.ID) context.Context {
	return context.WithValue(ctx, PartnerContextKey{}, partnerID)
}

// PartnerIDFromContext returns the partner ID from context, if set.
func PartnerIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	return idValue(ctx, PartnerContextKey{})
}

func idValue(ctx context.Context, key any) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	switch typed := ctx.Value(key).(type) {
	case snowflake.ID:
		return typed, typed != 0
	case int64:
		return snowflake.ID(typed), typed != 0
	}
	return 0, false
}
