package limiter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/gorilla/mux"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/models"
)

type contextKey string

// identityContextKey carries the resolved Identity so downstream handlers
// (status, admin) do not re-derive it.
const identityContextKey contextKey = "client_identity"

// IdentityFromContext returns the Identity the middleware attached, if any.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(identity.Identity)
	return id, ok
}

// exemptPaths are never rate limited: health probes and metrics scrapes
// must work even while an operator is being throttled.
var exemptPaths = map[string]struct{}{
	"/health":      {},
	"/metrics":     {},
	"/api/health":  {},
	"/api/metrics": {},
}

// Middleware returns the mux middleware that runs the admission check on
// every request. Denials are written here; admitted requests continue with
// remaining-quota headers set and the client identity on the context.
func Middleware(engine *Engine, ssrAuthSecret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflights carry no credentials and are cheap; gating
			// them breaks browsers mid-handshake.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if _, exempt := exemptPaths[r.URL.Path]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			id := identity.FromRequest(r, ssrAuthSecret)
			ctx := context.WithValue(r.Context(), identityContextKey, id)
			r = r.WithContext(ctx)

			decision := engine.CheckRateLimit(ctx, id, r.URL.Path)
			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}

			if decision.LimitType != LimitTypeWhitelisted && !decision.FailedOpen {
				w.Header().Set("X-RateLimit-Remaining-Minute", fmt.Sprintf("%d", decision.RemainingMinute))
				w.Header().Set("X-RateLimit-Remaining-Daily", fmt.Sprintf("%d", decision.RemainingDaily))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeDenial renders a denial as 429 with Retry-After. Bans are 429 too:
// the condition is temporary and the header tells the client exactly when
// to come back, which 403 would not.
func writeDenial(w http.ResponseWriter, decision Decision) {
	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	body := models.RateLimitDenial{
		Error:             "error",
		LimitType:         decision.LimitType,
		RetryAfterSeconds: retryAfter,
	}
	switch decision.LimitType {
	case LimitTypeBan:
		body.Code = models.ErrorCodeBanned
		body.Message = "Too many violations; temporarily banned. Retry after the ban lifts."
	default:
		body.Code = models.ErrorCodeRateLimited
		body.Message = fmt.Sprintf("Rate limit exceeded for the %s window", decision.LimitType)
		body.MinuteLimit = decision.MinuteLimit
		body.DayLimit = decision.DayLimit
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(body)
}
