package httpapi

import (
	"net/http"

	"golang.org/x/time/rate"

	internalerrors "github.com/cloudveil/compliance-engine/internal/errors"
)

// rateLimit enforces a single process-wide token bucket across all
// ingress traffic (per-tenant limiting belongs to a gateway in front
// of this service, not the handlers themselves).
func rateLimit(r rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(r, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				RespondError(w, internalerrors.Quota("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
