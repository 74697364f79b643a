// Package auth implements static admin key authentication for the htrules API.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	htrules "github.com/eugener/htrules/internal"
)

// AdminKeyAuth authenticates requests carrying the configured admin key as a
// Bearer token or in the X-API-Key header. Only the key's SHA-256 hash is kept.
type AdminKeyAuth struct {
	hash []byte // nil = authentication disabled
}

// NewAdminKeyAuth returns an AdminKeyAuth for key. An empty key disables
// authentication: every request is accepted as an anonymous caller.
func NewAdminKeyAuth(key string) *AdminKeyAuth {
	if key == "" {
		return &AdminKeyAuth{}
	}
	return &AdminKeyAuth{hash: []byte(htrules.HashKey(key))}
}

// Enabled reports whether a key is required.
func (a *AdminKeyAuth) Enabled() bool { return a.hash != nil }

// Authenticate implements htrules.Authenticator.
func (a *AdminKeyAuth) Authenticate(_ context.Context, r *http.Request) (*htrules.Identity, error) {
	if a.hash == nil {
		return &htrules.Identity{Subject: "anonymous", AuthMethod: "none"}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		raw = r.Header.Get("X-API-Key")
	}
	if raw == "" {
		return nil, htrules.ErrUnauthorized
	}

	// Both sides are fixed-length hashes.
	if subtle.ConstantTimeCompare([]byte(htrules.HashKey(raw)), a.hash) != 1 {
		return nil, htrules.ErrUnauthorized
	}
	return &htrules.Identity{Subject: "admin", AuthMethod: "admin_key"}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(raw)
}
