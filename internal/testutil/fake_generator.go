package testutil

import (
	"context"
	"sync"
	"time"

	htrules "github.com/eugener/htrules/internal"
)

// FakeGenerator records rule files in memory instead of writing them.
type FakeGenerator struct {
	mu    sync.Mutex
	files map[string]htrules.CacheEntry // rule path -> last generated entry

	// Mode is reported for every generated rule; default ModeModified.
	Mode htrules.Mode
	// GenerateErr and RemoveErr, when set, fail the respective call.
	GenerateErr error
	RemoveErr   error

	Generated int
	Removed   int
}

// NewFakeGenerator returns an empty FakeGenerator.
func NewFakeGenerator() *FakeGenerator {
	return &FakeGenerator{files: make(map[string]htrules.CacheEntry)}
}

// GenerateRule records entry under its rule path.
func (g *FakeGenerator) GenerateRule(_ context.Context, entry htrules.CacheEntry, _ htrules.GenerateOptions) (htrules.Rule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.GenerateErr != nil {
		return htrules.Rule{}, g.GenerateErr
	}
	mode := g.Mode
	if mode == "" {
		mode = htrules.ModeModified
	}
	path := htrules.RuleFilePath(entry.TargetPath)
	g.files[path] = entry
	g.Generated++
	return htrules.Rule{
		Path:        path,
		ContentType: "text/html",
		Mode:        mode,
		Lifetime:    entry.Lifetime,
		ExpiresAt:   time.Now().Add(time.Duration(entry.Lifetime) * time.Second),
	}, nil
}

// Generate implements htrules.Generator.
func (g *FakeGenerator) Generate(ctx context.Context, entry htrules.CacheEntry, opts htrules.GenerateOptions) error {
	_, err := g.GenerateRule(ctx, entry, opts)
	return err
}

// Remove forgets the rule file for targetPath.
func (g *FakeGenerator) Remove(_ context.Context, _, targetPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RemoveErr != nil {
		return g.RemoveErr
	}
	delete(g.files, htrules.RuleFilePath(targetPath))
	g.Removed++
	return nil
}

// File returns the entry last generated into rulePath.
func (g *FakeGenerator) File(rulePath string) (htrules.CacheEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.files[rulePath]
	return e, ok
}

// Files returns the number of rule files currently present.
func (g *FakeGenerator) Files() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.files)
}
