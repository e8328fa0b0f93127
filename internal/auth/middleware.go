package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/nexushq/relay/internal/relayerr"
)

type contextKey struct{}

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFrom extracts the authenticated user, if any.
func UserFrom(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(contextKey{}).(*User)
	return user, ok && user != nil
}

// Authenticate validates the bearer token on a request.
func (s *Service) Authenticate(r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, relayerr.New(relayerr.KindUnauthorized, "authorization must use bearer scheme")
	}
	user, err := s.Validate(strings.TrimSpace(token))
	if err != nil {
		return nil, relayerr.New(relayerr.KindUnauthorized, "invalid token")
	}
	return user, nil
}

// RequireAdmin wraps a handler so only owner/admin callers pass. The
// authenticated user is placed on the request context. When auth is
// disabled the check is skipped entirely; that mode is for local
// development only.
func (s *Service) RequireAdmin(next http.HandlerFunc, onError func(http.ResponseWriter, *http.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next(w, r)
			return
		}
		user, err := s.Authenticate(r)
		if err != nil {
			onError(w, r, err)
			return
		}
		role, err := s.ResolveRole(r.Context(), user)
		if err != nil {
			onError(w, r, relayerr.Wrap(relayerr.KindInternal, err))
			return
		}
		if !role.Privileged() {
			onError(w, r, relayerr.New(relayerr.KindForbidden, "owner or admin role required"))
			return
		}
		user.Role = role
		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}
