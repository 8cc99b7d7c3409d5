package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
	obscontext "github.com/smallbiznis/tablepay/internal/observability/context"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
)

// Identity headers are injected by the upstream auth proxy and trusted as-is.
const (
	HeaderRestaurantID = "X-Restaurant-ID"
	HeaderPartnerID    = "X-Partner-ID"
	HeaderActorID      = "X-Actor-ID"
	HeaderActorType    = "X-Actor-Type"
)

// Principal copies the identity headers into the request context.
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		restaurantID, ok, err := headerID(c.GetHeader(HeaderRestaurantID))
		if err != nil {
			AbortWithError(c, newValidationError("restaurant_id", "invalid_restaurant_id", "invalid restaurant id header"))
			return
		}
		if ok {
			ctx = orgcontext.WithRestaurantID(ctx, restaurantID)
			ctx = obscontext.WithRestaurantID(ctx, restaurantID.String())
		}

		partnerID, ok, err := headerID(c.GetHeader(HeaderPartnerID))
		if err != nil {
			AbortWithError(c, newValidationError("partner_id", "invalid_partner_id", "invalid partner id header"))
			return
		}
		if ok {
			ctx = orgcontext.WithPartnerID(ctx, partnerID)
			ctx = obscontext.WithPartnerID(ctx, partnerID.String())
		}

		if actorID := strings.TrimSpace(c.GetHeader(HeaderActorID)); actorID != "" {
			actorType := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorType)))
			if actorType == "" {
				actorType = string(auditdomain.ActorTypeUser)
			}
			ctx = auditcontext.WithActor(ctx, actorType, actorID)
			ctx = obscontext.WithActor(ctx, actorType, actorID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RestaurantRequired rejects requests without a restaurant scope.
func RestaurantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := orgcontext.RestaurantIDFromContext(c.Request.Context()); !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// ActorRequired rejects requests that carry no identity at all.
func ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, ok := orgcontext.RestaurantIDFromContext(ctx); ok {
			c.Next()
			return
		}
		if _, ok := orgcontext.PartnerIDFromContext(ctx); ok {
			c.Next()
			return
		}
		if _, actorID := auditcontext.ActorFromContext(ctx); actorID != "" {
			c.Next()
			return
		}
		AbortWithError(c, ErrUnauthorized)
	}
}
