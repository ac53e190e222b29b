package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/principal"
	"caseguard/internal/platform/token"
	"caseguard/internal/sentinel"
	dErrors "caseguard/pkg/domain-errors"
	"caseguard/pkg/platform/httputil"
)

type principalKey struct{}

// Authenticate verifies the bearer session token and resolves the principal
// from the directory. Deactivated principals are rejected even when the token
// is still valid.
func Authenticate(tokens *token.Service, principals principal.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			bearer, ok := bearerToken(r)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token"))
				return
			}

			principalID, err := tokens.Verify(bearer)
			if err != nil {
				logger.WarnContext(ctx, "session token rejected",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, err)
				return
			}

			p, err := principals.FindByID(ctx, principalID)
			if err != nil {
				if errors.Is(err, sentinel.ErrNotFound) {
					httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "unknown principal"))
					return
				}
				logger.ErrorContext(ctx, "principal lookup failed",
					"error", err,
					"principal_id", principalID,
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "could not resolve principal"))
				return
			}
			if !p.Active {
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "principal is deactivated"))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, *p)))
		})
	}
}

// WithPrincipal returns a context carrying the principal, as Authenticate
// would have stored it.
func WithPrincipal(ctx context.Context, p accmodels.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal returns the authenticated principal stored by Authenticate.
func GetPrincipal(ctx context.Context) (accmodels.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(accmodels.Principal)
	return p, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || value == "" {
		return "", false
	}
	return value, true
}
