// Package correlation threads one id through a request, the gateway calls it
// makes and the log lines and spans they produce.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// HeaderName carries the correlation id inbound and on outbound gateway calls.
const HeaderName = "X-Correlation-Id"

type key struct{}

// FromContext returns the correlation id on ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

// WithID stores id on ctx. Blank ids leave ctx untouched.
func WithID(ctx context.Context, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure keeps an id already on ctx, then tries candidate, and finally mints a ULID.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := strings.TrimSpace(candidate)
	if id == "" {
		id = ulid.Make().String()
	}
	return WithID(ctx, id), id
}
