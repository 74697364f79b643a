// Package htrules defines domain types and interfaces for the htrules rule-file generator.
// This package has no project imports -- it is the dependency root.
package htrules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// RuleFileName is the per-directory access-control file read by the web server.
const RuleFileName = ".htaccess"

// RuleFilePath returns the rule file location for a cached artifact: the
// artifact's directory joined with RuleFileName.
func RuleFilePath(targetPath string) string {
	return filepath.Join(filepath.Dir(targetPath), RuleFileName)
}

// --- Headers ---

// Header is a single response header with its (possibly joined) value.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderSet is an ordered name -> value mapping. Names are unique under
// case-insensitive comparison and keep the order in which they were added.
type HeaderSet []Header

// Get returns the value of the first header named name (case-insensitive).
func (hs HeaderSet) Get(name string) (string, bool) {
	if i := hs.index(name); i >= 0 {
		return hs[i].Value, true
	}
	return "", false
}

// Set replaces the value of an existing header in place, or appends it.
func (hs HeaderSet) Set(name, value string) HeaderSet {
	if i := hs.index(name); i >= 0 {
		hs[i].Value = value
		return hs
	}
	return append(hs, Header{Name: name, Value: value})
}

// Names returns the header names in order.
func (hs HeaderSet) Names() []string {
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.Name
	}
	return names
}

// Clone returns a copy that can be modified without touching hs.
func (hs HeaderSet) Clone() HeaderSet {
	return slices.Clone(hs)
}

func (hs HeaderSet) index(name string) int {
	return slices.IndexFunc(hs, func(h Header) bool {
		return strings.EqualFold(h.Name, name)
	})
}

// --- Cache entries ---

// Mode is the expiry mode encoded in the rule file.
type Mode string

const (
	// ModeAbsolute expires a fixed duration after generation, ignoring the entry lifetime.
	ModeAbsolute Mode = "A"
	// ModeModified expires the entry lifetime after generation.
	ModeModified Mode = "M"
)

// CacheEntry is the cache-populate input: one cached URL/variant and the
// response metadata that produced it.
type CacheEntry struct {
	ID         string    // opaque cache key
	TargetPath string    // absolute path of the cached artifact
	Headers    HeaderSet // response headers in response order
	Lifetime   int       // seconds
}

// GenerateOptions carries serving-context flags supplied by the caller.
type GenerateOptions struct {
	// SendCacheControlHeader is the active serving context's "send cache headers" setting.
	SendCacheControlHeader bool
}

// Generator produces and removes one kind of derived rule file.
type Generator interface {
	// Generate writes (or fully rewrites) the rule file for entry.
	Generate(ctx context.Context, entry CacheEntry, opts GenerateOptions) error
	// Remove deletes the rule file belonging to targetPath. A missing file is not an error.
	Remove(ctx context.Context, entryID, targetPath string) error
}

// Rule describes a rule file produced by a generator.
type Rule struct {
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Mode        Mode      `json:"mode"`
	Lifetime    int       `json:"lifetime_s"` // effective lifetime encoded in the file
	ExpiresAt   time.Time `json:"expires_at"`
	Size        int       `json:"size"`
}

// Entry is a tracked cache entry whose rule file has been generated.
type Entry struct {
	ID                     string    `json:"id"`
	TargetPath             string    `json:"target_path"`
	RulePath               string    `json:"rule_path"`
	Headers                HeaderSet `json:"headers"`
	Lifetime               int       `json:"lifetime_s"`
	SendCacheControlHeader bool      `json:"send_cache_control_header"`
	Mode                   Mode      `json:"mode"`
	ContentType            string    `json:"content_type"`
	ExpiresAt              time.Time `json:"expires_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CacheEntry returns the generator input that reproduces e.
func (e *Entry) CacheEntry() CacheEntry {
	return CacheEntry{
		ID:         e.ID,
		TargetPath: e.TargetPath,
		Headers:    e.Headers,
		Lifetime:   e.Lifetime,
	}
}

// --- Identity ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	Subject    string `json:"subject"`
	AuthMethod string `json:"auth_method"` // "admin_key" or "none"
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// HashKey returns the hex-encoded SHA-256 hash of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is filled in later by the authenticate middleware via mutation.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, otherwise it creates new metadata (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
