package identity_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/tillworks/licensing/internal/identity"
)

func TestHeaderResolver(t *testing.T) {
	resolver := identity.NewHeaderResolver()

	req := httptest.NewRequest("GET", "/api/license", nil)
	req.Header.Set("X-Account-Email", " A@Example.com ")

	caller, err := resolver.Resolve(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if caller.Email != "a@example.com" {
		t.Fatalf("expected normalized email, got %q", caller.Email)
	}
}

func TestHeaderResolverRejectsMissingOrInvalid(t *testing.T) {
	resolver := identity.NewHeaderResolver()

	for _, value := range []string{"", "   ", "not-an-email"} {
		req := httptest.NewRequest("GET", "/api/license", nil)
		if value != "" {
			req.Header.Set("X-Account-Email", value)
		}
		if _, err := resolver.Resolve(req); !errors.Is(err, identity.ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated for %q, got %v", value, err)
		}
	}
}
