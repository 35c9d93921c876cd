package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"go.uber.org/zap"
)

type ctxKey string

const claimsKey ctxKey = "operator_claims"

// NewMiddleware пускает запрос с валидным Bearer токеном или заголовком X-API-Key
// и требует скоуп scope (пустой — только аутентификация).
func NewMiddleware(v TokenValidator, logger *zap.Logger, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				claims *domain.OperatorClaims
				err    error
			)
			switch {
			case r.Header.Get("Authorization") != "":
				claims, err = v.VerifyToken(r.Header.Get("Authorization"))
			case r.Header.Get("X-API-Key") != "":
				claims, err = v.VerifyAPIKey(r.Header.Get("X-API-Key"))
			default:
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if scope != "" && !claims.Allows(scope) {
				logger.Warn("scope denied",
					zap.String("operator", claims.OperatorID), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext достает оператора, положенного middleware
func ClaimsFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.OperatorClaims)
	return c, ok
}
