package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the API. A write scope implies the matching read
// scope.
const (
	ScopeAll         = "*"
	ScopePlansRead   = "plans:ro"
	ScopePlansWrite  = "plans:rw"
	ScopeRunsRead    = "runs:ro"
	ScopeRunsWrite   = "runs:rw"
	ScopeEventsRead  = "events:ro"
	ScopeEventsWrite = "events:rw"
)

var implied = map[string]string{
	ScopePlansWrite:  ScopePlansRead,
	ScopeRunsWrite:   ScopeRunsRead,
	ScopeEventsWrite: ScopeEventsRead,
}

// ValidScope reports whether scope is one the API understands.
func ValidScope(scope string) bool {
	if scope == ScopeAll {
		return true
	}
	for w, r := range implied {
		if scope == w || scope == r {
			return true
		}
	}
	return false
}

// Token is a bearer token with a set of scopes.
type Token struct {
	Value  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

// Has reports whether p holds any of the required scopes.
func (p Principal) Has(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator matches presented bearer tokens against an admin key and a
// list of scoped tokens.
type Authenticator struct {
	adminKey string
	tokens   []Token
}

func NewAuthenticator(adminKey string, tokens []Token) *Authenticator {
	return &Authenticator{adminKey: adminKey, tokens: tokens}
}

// Authenticate returns the principal for presented. The admin key carries
// scope "*".
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if constantTimeEqual(presented, a.adminKey) {
		return Principal{Name: "admin", Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for i, t := range a.tokens {
		if constantTimeEqual(presented, t.Value) {
			return Principal{
				Name:   fmt.Sprintf("token[%d]", i),
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if ro, ok := implied[s]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}
