package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

// adminAuthMiddleware gates the admin endpoints behind an enabled
// enterprise API key presented as a Bearer token. Standard-tier keys get
// 403, everything else 401. Admin access never depends on the caller's
// rate-limit standing.
func adminAuthMiddleware(store storage.Store) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Authorization required")
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid authorization format")
				return
			}
			token := authHeader[len(prefix):]

			key, err := store.LookupAPIKey(r.Context(), models.HashAPIKey(token))
			if err != nil || !key.Enabled {
				writeAuthError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid API key")
				return
			}
			if key.Tier != models.TierEnterprise {
				writeAuthError(w, http.StatusForbidden, models.ErrorCodeForbidden, "Admin access requires an enterprise key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, errorCode))
}
