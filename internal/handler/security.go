package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/huertohogar/store/internal/domain/auth"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "X-API-Key"

type userKey struct{}

// UserFromContext returns the authenticated customer id.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// WithUser stores a customer id in ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// SecurityHandler authenticates customers by bearer token and back-office
// callers by HMAC-hashed API key.
type SecurityHandler struct {
	tokens *auth.Tokens
	keys   *auth.KeyAuthenticator
}

// NewSecurityHandler creates a SecurityHandler.
func NewSecurityHandler(tokens *auth.Tokens, keys *auth.KeyAuthenticator) *SecurityHandler {
	return &SecurityHandler{tokens: tokens, keys: keys}
}

// RequireUser rejects requests without a valid customer bearer token and
// stores the customer id in the request context.
func (s *SecurityHandler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}
		claims, err := s.tokens.Verify(raw)
		if err != nil || claims.Subject == "" {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}

		ctx := WithUser(r.Context(), claims.Subject)
		ctx = zctx.With(ctx, zap.String("user_id", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose API key is unknown or lacks the admin
// scope.
func (s *SecurityHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.keys.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}
		if !info.HasScope(auth.ScopeAdmin) {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Code:    http.StatusForbidden,
				Message: "api key lacks the admin scope",
			})
			return
		}

		ctx := zctx.With(r.Context(), zap.String("api_key", info.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
