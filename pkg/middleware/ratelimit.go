package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/jockeBjers/isolApi/pkg/errors"
	"github.com/jockeBjers/isolApi/pkg/httputil"
)

// Limiter decides whether the caller identified by key may proceed. When it
// may not, retryAfter says how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimit rejects requests over the limit with 429 and a Retry-After
// header. Requests are keyed by scope and the client IP as resolved through
// proxies. A limiter error lets the request through and is logged.
func RateLimit(limiter Limiter, scope string, proxies TrustedProxies, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + proxies.ClientIP(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				l.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					slog.String("scope", scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				httputil.WriteError(w, r, apperrors.TooManyRequests(retryAfter), l)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
