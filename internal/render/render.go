// Package render turns a rule template and a context map into rule-file text.
package render

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/cache"
)

// DefaultName identifies the built-in template.
const DefaultName = "builtin:htaccess"

//go:embed templates/htaccess.tmpl
var defaultTemplate string

// timestampLayout matches Apache's %{TIME} variable (YYYYMMDDHHMMSS, server local time).
const timestampLayout = "20060102150405"

var funcs = template.FuncMap{
	"timestamp": func(epoch int64) string {
		return time.Unix(epoch, 0).Format(timestampLayout)
	},
}

// Source is a named template text.
type Source struct {
	Name string
	Text string
}

// Resolve returns the template at the trimmed override path, or the built-in
// template when override is blank.
func Resolve(override string) (Source, error) {
	name := strings.TrimSpace(override)
	if name == "" {
		return Source{Name: DefaultName, Text: defaultTemplate}, nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return Source{}, fmt.Errorf("%w: read template %s: %w", htrules.ErrConfiguration, name, err)
	}
	return Source{Name: name, Text: string(b)}, nil
}

// Parse compiles src. Placeholders missing from the context fail at execution.
func Parse(src Source) (*template.Template, error) {
	t, err := template.New(src.Name).Funcs(funcs).Option("missingkey=error").Parse(src.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: parse template %s: %w", htrules.ErrConfiguration, src.Name, err)
	}
	return t, nil
}

// Execute renders t against data and trims surrounding whitespace.
func Execute(t *template.Template, data map[string]any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("%w: render template %s: %w", htrules.ErrConfiguration, t.Name(), err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Render parses src and executes it against data.
func Render(src Source, data map[string]any) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return Execute(t, data)
}

// Renderer resolves, parses and caches templates by name.
type Renderer struct {
	cache    cache.Cache[*template.Template] // nil = parse on every call
	ttl      time.Duration
	onLookup func(hit bool)
}

// NewRenderer creates a Renderer. Parsed templates are kept in c for ttl so
// edits to an override file are picked up after at most ttl.
func NewRenderer(c cache.Cache[*template.Template], ttl time.Duration) *Renderer {
	return &Renderer{cache: c, ttl: ttl}
}

// ObserveLookups registers fn to be called after every cache lookup.
// It must be called before the Renderer is shared.
func (r *Renderer) ObserveLookups(fn func(hit bool)) {
	r.onLookup = fn
}

// Render renders the template selected by override (blank = built-in).
func (r *Renderer) Render(ctx context.Context, override string, data map[string]any) (string, error) {
	key := strings.TrimSpace(override)
	if key == "" {
		key = DefaultName
	}
	if r.cache == nil {
		src, err := Resolve(override)
		if err != nil {
			return "", err
		}
		return Render(src, data)
	}
	t, hit, err := r.cache.GetOrLoad(ctx, key, r.ttl, func() (*template.Template, error) {
		src, err := Resolve(override)
		if err != nil {
			return nil, err
		}
		return Parse(src)
	})
	if r.onLookup != nil {
		r.onLookup(hit)
	}
	if err != nil {
		return "", err
	}
	return Execute(t, data)
}

// Purge drops all cached templates.
func (r *Renderer) Purge(ctx context.Context) {
	if r.cache != nil {
		r.cache.Purge(ctx)
	}
}
