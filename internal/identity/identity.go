// Package identity resolves the calling tenant for authenticated API
// requests. The engine sits behind the product's session layer, so identity
// arrives as trusted headers set by the upstream proxy.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller of an API request.
type Identity struct {
	Email string
}

// Resolver extracts the caller identity from an incoming request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

type headerResolver struct{}

// NewHeaderResolver resolves identity from the X-Account-Email header set by
// the upstream session proxy.
func NewHeaderResolver() Resolver {
	return &headerResolver{}
}

func (h *headerResolver) Resolve(r *http.Request) (Identity, error) {
	email := strings.TrimSpace(strings.ToLower(r.Header.Get("X-Account-Email")))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Email: email}, nil
}
