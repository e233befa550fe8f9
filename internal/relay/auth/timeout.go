package auth

import (
	"context"
	"time"
)

// WithDefaultTimeout applies defaultTimeout() to ctx if it has no
// deadline of its own yet, so a call without a caller-supplied timeout
// still ends eventually instead of hanging forever.
func WithDefaultTimeout(ctx context.Context, defaultTimeout func() time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout())
}
