package service

import (
	"context"

	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	"github.com/smallbiznis/tablepay/internal/auditcontext"
)

func withGatewayActor(ctx context.Context, provider string) context.Context {
	if actorType, _ := auditcontext.ActorFromContext(ctx); actorType != "" {
		return ctx
	}
	return auditcontext.WithActor(ctx, string(auditdomain.ActorTypeGateway), provider)
}

func withSchedulerActor(ctx context.Context) context.Context {
	if actorType, _ := auditcontext.ActorFromContext(ctx); actorType != "" {
		return ctx
	}
	return auditcontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "reconciler")
}
