package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Middleware verifies bearer tokens against the OIDC issuer and stores the
// subject claim in the request context. Expired tokens get a distinct error
// code so clients can refresh instead of re-authenticating.
func Middleware(issuer string, cache *VerificationCache) func(http.Handler) http.Handler {
	if issuer == "" {
		panic("OIDC issuer not configured")
	}

	provider, err := oidc.NewProvider(context.Background(), issuer)
	if err != nil {
		panic(fmt.Sprintf("Failed to create OIDC provider: %v", err))
	}

	verifier := provider.Verifier(&oidc.Config{
		SkipClientIDCheck: true,
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, "unauthorized", err.Error())
				return
			}

			if cache != nil {
				if sub, ok := cache.Lookup(r.Context(), rawToken); ok {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, sub)))
					return
				}
			}

			idToken, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				if strings.Contains(err.Error(), "expired") {
					writeAuthError(w, "token_expired", "token has expired")
					return
				}
				writeAuthError(w, "unauthorized", fmt.Sprintf("invalid token: %v", err))
				return
			}

			var claims struct {
				Sub string `json:"sub"`
			}
			if err := idToken.Claims(&claims); err != nil || claims.Sub == "" {
				writeAuthError(w, "unauthorized", "failed to parse claims")
				return
			}

			if cache != nil {
				cache.Store(r.Context(), rawToken, claims.Sub, idToken.Expiry)
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.Sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// UserID extracts the authenticated subject from the request context.
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}

// WithUserID injects a subject into the context. Used by tests and by the
// internal reconciler, which acts without a request.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}
