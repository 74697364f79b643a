// Package generator derives per-directory rule files from cache entries.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/config"
	"github.com/eugener/htrules/internal/expiry"
)

// Debug header added when debugHeaders is enabled.
const (
	DebugHeaderName  = "X-SFC-State"
	DebugHeaderValue = "StaticFileCache - via htaccess"
)

// MaxHeaderValueLen is the byte limit applied to header values before escaping.
const MaxHeaderValueLen = 8192

// DefaultContentType is used when no allowed Content-Type yields a MIME type.
const DefaultContentType = "text/html"

// TimeToken is handed to the template verbatim; the web server substitutes
// the request time when evaluating rewrite conditions.
const TimeToken = "{TIME}"

var mimePattern = regexp.MustCompile(`(?i)[a-z-]+/[a-z-]+`)

// Settings reads generator configuration.
type Settings interface {
	Get(key string) (string, bool)
	IsBool(key string) bool
	Int(key string) (int, error)
	ValidHeaders(all htrules.HeaderSet, allowlistKey string) htrules.HeaderSet
}

// TemplateRenderer renders the template selected by override (blank = built-in).
type TemplateRenderer interface {
	Render(ctx context.Context, override string, data map[string]any) (string, error)
}

// FileStore persists rule files.
type FileStore interface {
	Write(path string, content []byte) error
	Delete(path string) error
}

// Htaccess writes .htaccess files next to cached artifacts.
// It holds no mutable state; callers serialize work per directory.
type Htaccess struct {
	settings Settings
	renderer TemplateRenderer
	files    FileStore
	now      func() time.Time
}

var _ htrules.Generator = (*Htaccess)(nil)

// NewHtaccess creates an Htaccess generator. A nil now defaults to time.Now.
func NewHtaccess(settings Settings, renderer TemplateRenderer, files FileStore, now func() time.Time) *Htaccess {
	if now == nil {
		now = time.Now
	}
	return &Htaccess{settings: settings, renderer: renderer, files: files, now: now}
}

// Generate implements htrules.Generator.
func (g *Htaccess) Generate(ctx context.Context, entry htrules.CacheEntry, opts htrules.GenerateOptions) error {
	_, err := g.GenerateRule(ctx, entry, opts)
	return err
}

// GenerateRule renders and writes the rule file for entry and reports what
// was written. The file is replaced as a whole.
func (g *Htaccess) GenerateRule(ctx context.Context, entry htrules.CacheEntry, opts htrules.GenerateOptions) (htrules.Rule, error) {
	path := htrules.RuleFilePath(entry.TargetPath)

	headers := g.settings.ValidHeaders(entry.Headers, config.KeyValidHtaccessHeaders).Clone()
	if g.settings.IsBool(config.KeyDebugHeaders) {
		headers = headers.Set(DebugHeaderName, DebugHeaderValue)
	}
	contentType := ContentType(headers)

	timeout, err := g.settings.Int(config.KeyHtaccessTimeout)
	if err != nil {
		return htrules.Rule{}, err
	}
	exp := expiry.Compute(timeout, entry.Lifetime, g.now().Unix())

	override, _ := g.settings.Get(config.KeyHtaccessTemplateName)
	content, err := g.renderer.Render(ctx, override, map[string]any{
		"contentType":            contentType,
		"mode":                   exp.Mode,
		"lifetime":               exp.Lifetime,
		"TIME":                   TimeToken,
		"expires":                exp.ExpiresAt,
		"sendCacheControlHeader": opts.SendCacheControlHeader,
		"sendCacheControlHeaderRedirectAfterCacheTimeout": g.settings.IsBool(config.KeyRedirectAfterTimeout),
		"headers": CleanHeaders(headers),
	})
	if err != nil {
		return htrules.Rule{}, fmt.Errorf("render %s: %w", path, err)
	}

	if err := g.files.Write(path, []byte(content)); err != nil {
		return htrules.Rule{}, err
	}

	slog.LogAttrs(ctx, slog.LevelDebug, "rule file written",
		slog.String("entry_id", entry.ID),
		slog.String("path", path),
		slog.String("mode", string(exp.Mode)),
		slog.Int("lifetime_s", exp.Lifetime),
		slog.Int("bytes", len(content)),
	)

	return htrules.Rule{
		Path:        path,
		ContentType: contentType,
		Mode:        exp.Mode,
		Lifetime:    exp.Lifetime,
		ExpiresAt:   time.Unix(exp.ExpiresAt, 0).UTC(),
		Size:        len(content),
	}, nil
}

// Remove implements htrules.Generator. A missing rule file is not an error.
func (g *Htaccess) Remove(ctx context.Context, entryID, targetPath string) error {
	path := htrules.RuleFilePath(targetPath)
	if err := g.files.Delete(path); err != nil {
		return err
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "rule file removed",
		slog.String("entry_id", entryID),
		slog.String("path", path),
	)
	return nil
}

// ContentType returns the first MIME type found in the Content-Type header of
// headers, or DefaultContentType.
func ContentType(headers htrules.HeaderSet) string {
	v, ok := headers.Get("Content-Type")
	if !ok {
		return DefaultContentType
	}
	if m := mimePattern.FindString(v); m != "" {
		return m
	}
	return DefaultContentType
}

// CleanHeaders returns a copy of headers with every value cut to
// MaxHeaderValueLen bytes and double quotes escaped, so values can sit inside
// a quoted directive argument. Names and order are unchanged.
func CleanHeaders(headers htrules.HeaderSet) htrules.HeaderSet {
	out := make(htrules.HeaderSet, len(headers))
	for i, h := range headers {
		v := h.Value
		if len(v) > MaxHeaderValueLen {
			v = v[:MaxHeaderValueLen]
		}
		out[i] = htrules.Header{Name: h.Name, Value: strings.ReplaceAll(v, `"`, `\"`)}
	}
	return out
}
