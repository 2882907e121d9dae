package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/logging"
)

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by the gate, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// ExtractToken returns the request's bearer token from the Authorization
// header or, failing that, the access_token query parameter.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("access_token")
}

// Gate enforces scope-based access on HTTP handlers.
type Gate struct {
	// Authenticator resolves tokens. Nil disables authentication.
	Authenticator Authenticator
	Resolver      StudyResolver
	Policy        ScopePolicy
	Logger        *logging.Logger
	// Deny writes the rejection. Defaults to a plain text error.
	Deny func(w http.ResponseWriter, r *http.Request, err error)
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, err error) {
	if g.Deny != nil {
		g.Deny(w, r, err)
		return
	}
	status := http.StatusForbidden
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	http.Error(w, err.Error(), status)
}

func (g *Gate) authenticate(w http.ResponseWriter, r *http.Request) (*Principal, bool) {
	token := ExtractToken(r)
	if g.Authenticator == nil {
		return &Principal{TokenHash: logging.HashToken(token)}, true
	}
	if token == "" {
		g.deny(w, r, fmt.Errorf("%w: missing bearer token", storage.ErrUnauthorized))
		return nil, false
	}
	p, err := g.Authenticator.Authenticate(r.Context(), token)
	if err != nil {
		logging.OrNop(g.Logger).Warn().Err(err).Str("token", logging.HashToken(token)).Msg("Authentication failed")
		if !errors.Is(err, storage.ErrUnauthorized) && !errors.Is(err, storage.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
		}
		g.deny(w, r, err)
		return nil, false
	}
	return p, true
}

// Authenticated requires any valid credential.
func (g *Gate) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Require grants access when the credential holds action's scope for the
// study of the object named by the {id} path value. Routes without an
// object id need the system scope.
func (g *Gate) Require(action Action, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := g.authenticate(w, r)
		if !ok {
			return
		}
		if g.Authenticator != nil {
			if err := g.authorize(r.Context(), p, action, r.PathValue("id")); err != nil {
				logging.OrNop(g.Logger).Warn().Err(err).
					Str("token", p.TokenHash).
					Str("action", action.String()).
					Str("objectId", r.PathValue("id")).
					Msg("Access denied")
				g.deny(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (g *Gate) authorize(ctx context.Context, p *Principal, action Action, objectID string) error {
	if g.Policy.HasSystemScope(p.Scopes, action) {
		return nil
	}
	if objectID == "" {
		return fmt.Errorf("%w: %s requires scope %s", storage.ErrForbidden, action, g.Policy.SystemScopeFor(action))
	}
	if g.Resolver == nil {
		return fmt.Errorf("%w: no study resolver configured", storage.ErrForbidden)
	}
	study, err := g.Resolver.Study(ctx, objectID)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve study of %s: %v", storage.ErrForbidden, objectID, err)
	}
	if !g.Policy.Allows(p.Scopes, action, study) {
		return fmt.Errorf("%w: %s of %s requires scope %s", storage.ErrForbidden, action, objectID, g.Policy.StudyScopeFor(action, study))
	}
	return nil
}
