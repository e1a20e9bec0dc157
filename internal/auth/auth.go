// Package auth resolves bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeProjectsRead  = "projects:ro"
	ScopeProjectsWrite = "projects:rw"
	ScopeTools         = "tools:rw"
	ScopeAll           = "*"
)

// AdminID names the principal authenticated by the admin key.
const AdminID = "admin"

var implied = map[string]string{
	ScopeProjectsWrite: ScopeProjectsRead,
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. It never carries the token itself.
type Principal struct {
	ID     string
	Scopes map[string]struct{}
}

// Has reports whether p holds "*" or any of required.
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

type key struct {
	digest    [sha256.Size]byte
	principal Principal
}

// Keyring holds the admin key and scoped tokens as digests.
type Keyring struct {
	keys []key
}

// NewKeyring builds a keyring. An empty adminKey disables admin access; empty
// tokens are skipped.
func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.keys = append(k.keys, key{
			digest:    sha256.Sum256([]byte(adminKey)),
			principal: Principal{ID: AdminID, Scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.keys = append(k.keys, key{
			digest:    sha256.Sum256([]byte(t.Token)),
			principal: Principal{ID: fmt.Sprintf("token-%d", i), Scopes: normalizeScopes(t.Scopes)},
		})
	}
	return k
}

// Empty reports whether no credential can ever authenticate.
func (k *Keyring) Empty() bool { return len(k.keys) == 0 }

// Authenticate matches a presented token. Every configured key is compared so
// timing does not reveal which one matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	digest := sha256.Sum256([]byte(presented))
	var (
		found Principal
		ok    bool
	)
	for _, c := range k.keys {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 && !ok {
			found, ok = c.principal, true
		}
	}
	return found, ok
}

// ExtractBearerToken reads the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
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
		return "", errors.New("missing API key")
	}
	return token, nil
}

// RequestToken returns the bearer token, falling back to the access_token
// query parameter. Browsers cannot set headers on WebSocket upgrades.
func RequestToken(r *http.Request) (string, error) {
	token, err := ExtractBearerToken(r)
	if err == nil {
		return token, nil
	}
	if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
		return q, nil
	}
	return "", err
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	for rw, ro := range implied {
		if _, ok := out[rw]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}
