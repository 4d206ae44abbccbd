package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"marketplace-api/internal/observability"
)

type claimsContextKey struct{}

type Authenticator struct {
	tokens  *TokenIssuer
	revoker SessionRevoker
	logger  *observability.Logger
}

func NewAuthenticator(tokens *TokenIssuer, revoker SessionRevoker, logger *observability.Logger) *Authenticator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Authenticator{tokens: tokens, revoker: revoker, logger: logger}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeFailure(w, http.StatusUnauthorized, "Access token required", nil)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeFailure(w, http.StatusUnauthorized, "Invalid authorization format", nil)
			return
		}

		claims, err := a.tokens.VerifyAccessToken(strings.TrimSpace(parts[1]))
		if err != nil {
			message := "Invalid access token"
			if errors.Is(err, ErrTokenExpired) {
				message = "Access token expired"
			}
			writeFailure(w, http.StatusUnauthorized, message, nil)
			return
		}

		if a.revoked(r.Context(), claims) {
			writeFailure(w, http.StatusUnauthorized, "Access token has been revoked", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

// revoked fails open: an unreachable revocation store must not lock every
// user out, so the error is logged and the token accepted.
func (a *Authenticator) revoked(ctx context.Context, claims *AccessClaims) bool {
	if a.revoker == nil || claims.IssuedAt == nil {
		return false
	}

	revokedAt, ok, err := a.revoker.RevokedAt(ctx, claims.UserID)
	if err != nil {
		a.logger.Warn("auth_revocation_check_failed", map[string]any{
			"user_id": claims.UserID,
			"error":   err.Error(),
		})
		return false
	}
	return ok && claims.IssuedAt.Time.Before(revokedAt)
}

func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeFailure(w, http.StatusUnauthorized, msgUnauthorized, nil)
				return
			}
			if !slices.Contains(roles, claims.Role) {
				writeFailure(w, http.StatusForbidden, "Access denied. Insufficient permissions.", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	return claims, ok && claims != nil
}
