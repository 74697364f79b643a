package testutil

import (
	"context"
	"net/http"

	htrules "github.com/eugener/htrules/internal"
)

// FakeAuth always authenticates successfully as the admin.
type FakeAuth struct{}

// Authenticate returns a test admin identity.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*htrules.Identity, error) {
	return &htrules.Identity{
		Subject:    "test",
		AuthMethod: "admin_key",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*htrules.Identity, error) {
	return nil, htrules.ErrUnauthorized
}
