package quota

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/models"
	"github.com/fruitsalade/filebrowser/internal/session"
)

// RateLimitMiddleware returns middleware that enforces per-user rate limits.
func RateLimitMiddleware(limiter *RateLimiter, users session.UserSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := users.CurrentUser(r.Context())
			if err != nil {
				// No user context (unauthenticated request) - let it pass
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(info.Username) {
				metrics.RecordRateLimitHit()
				retryAfter := limiter.RetryAfter(info.Username)
				logging.WithContext(r.Context()).Warn("rate limit exceeded", zap.Int("retry_after", retryAfter))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(models.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
