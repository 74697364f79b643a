package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/config"
	"github.com/eugener/htrules/internal/generator"
	"github.com/eugener/htrules/internal/render"
	"github.com/eugener/htrules/internal/rulefile"
	"github.com/eugener/htrules/internal/telemetry"
	"github.com/eugener/htrules/internal/testutil"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *RuleService
	gen     *testutil.FakeGenerator
	store   *testutil.FakeStore
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen := testutil.NewFakeGenerator()
	store := testutil.NewFakeStore()
	m := telemetry.NewMetrics(prometheus.NewPedanticRegistry())
	svc := NewRuleService(gen, store, RuleServiceOpts{
		Metrics: m,
		Workers: 3,
		Now:     func() time.Time { return testNow },
	})
	return &fixture{svc: svc, gen: gen, store: store, metrics: m}
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Generate(ctx, GenerateRequest{
		ID:                     "page-1",
		TargetPath:             "/var/cache/site/page/index.html",
		Headers:                htrules.HeaderSet{{Name: "X-Frame-Options", Value: "DENY"}},
		Lifetime:               600,
		SendCacheControlHeader: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if e.RulePath != "/var/cache/site/page/.htaccess" {
		t.Errorf("rule path = %q", e.RulePath)
	}
	if e.Mode != htrules.ModeModified || e.ContentType != "text/html" {
		t.Errorf("entry = %+v", e)
	}
	if want := testNow.Add(10 * time.Minute); !e.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", e.ExpiresAt, want)
	}
	if _, ok := f.gen.File(e.RulePath); !ok {
		t.Error("rule file not generated")
	}

	got, err := f.svc.Get(ctx, "page-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.SendCacheControlHeader || got.Lifetime != 600 {
		t.Errorf("stored entry = %+v", got)
	}

	if v := promtestutil.ToFloat64(f.metrics.RulesGenerated.WithLabelValues("M")); v != 1 {
		t.Errorf("rules_generated{mode=M} = %v, want 1", v)
	}
	if v := promtestutil.ToFloat64(f.metrics.TrackedEntries); v != 1 {
		t.Errorf("tracked_entries = %v, want 1", v)
	}
}

func TestGenerateAssignsID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e, err := f.svc.Generate(context.Background(), GenerateRequest{TargetPath: "/var/cache/a/index.html", Lifetime: 1})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" {
		t.Error("ID not assigned")
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, path := range []string{"", "relative/index.html"} {
		_, err := f.svc.Generate(context.Background(), GenerateRequest{ID: "x", TargetPath: path})
		if !errors.Is(err, htrules.ErrBadRequest) {
			t.Errorf("path %q: err = %v, want ErrBadRequest", path, err)
		}
	}
	if f.gen.Generated != 0 {
		t.Errorf("generator called %d times", f.gen.Generated)
	}
}

func TestGenerateMovesEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Generate(ctx, GenerateRequest{ID: "e", TargetPath: "/var/cache/old/index.html", Lifetime: 60}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Generate(ctx, GenerateRequest{ID: "e", TargetPath: "/var/cache/new/index.html", Lifetime: 60}); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.gen.File("/var/cache/old/.htaccess"); ok {
		t.Error("old rule file left behind")
	}
	if _, ok := f.gen.File("/var/cache/new/.htaccess"); !ok {
		t.Error("new rule file missing")
	}
	if n, _ := f.store.CountEntries(ctx); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestGenerateConcurrentMoves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			req := GenerateRequest{ID: "e", TargetPath: fmt.Sprintf("/var/cache/%d/index.html", i%5), Lifetime: 60}
			if _, err := f.svc.Generate(ctx, req); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	// Only the tracked directory keeps a rule file.
	if n := f.gen.Files(); n != 1 {
		t.Errorf("rule files = %d, want 1", n)
	}
	e, err := f.store.GetEntry(ctx, "e")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.gen.File(e.RulePath); !ok {
		t.Errorf("tracked rule file %s missing", e.RulePath)
	}
	if n := f.svc.ids.size() + f.svc.locks.size(); n != 0 {
		t.Errorf("locks still held: %d", n)
	}
}

func TestGenerateRoot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gen := testutil.NewFakeGenerator()
	svc := NewRuleService(gen, testutil.NewFakeStore(), RuleServiceOpts{Root: "/srv/cache/", Now: func() time.Time { return testNow }})

	tests := []struct {
		path string
		ok   bool
	}{
		{"/srv/cache/index.html", true},
		{"/srv/cache/site/page/index.html", true},
		{"/srv/cache/a/../b/index.html", true},
		{"/srv/index.html", false},
		{"/srv/cache-other/index.html", false},
		{"/srv/cache/../../etc/index.html", false},
		{"/etc/apache2/index.html", false},
	}
	for _, tt := range tests {
		_, err := svc.Generate(ctx, GenerateRequest{ID: "e", TargetPath: tt.path})
		if tt.ok && err != nil {
			t.Errorf("Generate(%s): %v", tt.path, err)
		}
		if !tt.ok && !errors.Is(err, htrules.ErrBadRequest) {
			t.Errorf("Generate(%s): err = %v, want ErrBadRequest", tt.path, err)
		}

		err = svc.Remove(ctx, "", tt.path)
		if tt.ok && err != nil {
			t.Errorf("Remove(%s): %v", tt.path, err)
		}
		if !tt.ok && !errors.Is(err, htrules.ErrBadRequest) {
			t.Errorf("Remove(%s): err = %v, want ErrBadRequest", tt.path, err)
		}
	}
	if _, ok := gen.File("/etc/apache2/.htaccess"); ok {
		t.Error("rule file written outside root")
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	t.Run("generator failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.gen.GenerateErr = fmt.Errorf("%w: disk full", htrules.ErrFilesystem)

		_, err := f.svc.Generate(context.Background(), GenerateRequest{ID: "e", TargetPath: "/var/cache/a/index.html"})
		if !errors.Is(err, htrules.ErrFilesystem) {
			t.Errorf("err = %v, want ErrFilesystem", err)
		}
		if n, _ := f.store.CountEntries(context.Background()); n != 0 {
			t.Errorf("entry recorded after failure")
		}
		if v := promtestutil.ToFloat64(f.metrics.RuleErrors.WithLabelValues("generate")); v != 1 {
			t.Errorf("rule_errors{op=generate} = %v, want 1", v)
		}
	})

	t.Run("store failure removes file", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		boom := errors.New("db down")
		f.store.UpsertErr = boom

		_, err := f.svc.Generate(context.Background(), GenerateRequest{ID: "e", TargetPath: "/var/cache/a/index.html"})
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want db down", err)
		}
		if f.gen.Generated != 1 {
			t.Errorf("generator calls = %d, want 1", f.gen.Generated)
		}
		if f.gen.Files() != 0 {
			t.Error("untracked rule file left on disk")
		}
	})
}

func TestRemove(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Generate(ctx, GenerateRequest{ID: "e", TargetPath: "/var/cache/a/index.html", Lifetime: 60})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Remove(ctx, e.ID, e.TargetPath); err != nil {
		t.Fatal(err)
	}
	if f.gen.Files() != 0 {
		t.Error("rule file still present")
	}
	if _, err := f.svc.Get(ctx, "e"); !errors.Is(err, htrules.ErrNotFound) {
		t.Errorf("get after remove: err = %v, want ErrNotFound", err)
	}

	// Evicting something never tracked is fine.
	if err := f.svc.Remove(ctx, "unknown", "/var/cache/b/index.html"); err != nil {
		t.Errorf("remove untracked: %v", err)
	}
	if v := promtestutil.ToFloat64(f.metrics.RulesRemoved); v != 2 {
		t.Errorf("rules_removed = %v, want 2", v)
	}
}

func TestRemoveByID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.RemoveByID(ctx, "missing"); !errors.Is(err, htrules.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if _, err := f.svc.Generate(ctx, GenerateRequest{ID: "e", TargetPath: "/var/cache/a/index.html", Lifetime: 60}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.RemoveByID(ctx, "e"); err != nil {
		t.Fatal(err)
	}
	if f.gen.Files() != 0 {
		t.Error("rule file still present")
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := range 5 {
		req := GenerateRequest{ID: fmt.Sprintf("e%d", i), TargetPath: fmt.Sprintf("/var/cache/%d/index.html", i)}
		if _, err := f.svc.Generate(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	entries, total, err := f.svc.List(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(entries) != 2 || entries[0].ID != "e2" {
		t.Errorf("total=%d page=%d first=%v", total, len(entries), entries)
	}
}

func TestRegenerateAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	const n = listPageSize + 5
	for i := range n {
		req := GenerateRequest{ID: fmt.Sprintf("e%03d", i), TargetPath: fmt.Sprintf("/var/cache/%d/index.html", i), Lifetime: 60}
		if _, err := f.svc.Generate(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := f.store.GetEntry(ctx, "e000")

	// Rules are rewritten with a new mode; cache expiry is kept.
	f.gen.Mode = htrules.ModeAbsolute
	f.svc.now = func() time.Time { return testNow.Add(time.Hour) }
	count, err := f.svc.RegenerateAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("regenerated = %d, want %d", count, n)
	}
	if f.gen.Generated != 2*n {
		t.Errorf("generator calls = %d, want %d", f.gen.Generated, 2*n)
	}

	after, _ := f.store.GetEntry(ctx, "e000")
	if after.Mode != htrules.ModeAbsolute {
		t.Errorf("mode = %q, want A", after.Mode)
	}
	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Errorf("expires_at changed: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestRegenerateAllCollectsErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := range 3 {
		req := GenerateRequest{ID: fmt.Sprintf("e%d", i), TargetPath: fmt.Sprintf("/var/cache/%d/index.html", i)}
		if _, err := f.svc.Generate(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	f.gen.GenerateErr = errors.New("template broken")

	count, err := f.svc.RegenerateAll(ctx)
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	if err == nil || strings.Count(err.Error(), "template broken") != 3 {
		t.Errorf("err = %v, want three joined failures", err)
	}
	// Failed regeneration leaves tracked entries alone.
	if n, _ := f.store.CountEntries(ctx); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i, lifetime := range []int{10, 20, 3600} {
		req := GenerateRequest{ID: fmt.Sprintf("e%d", i), TargetPath: fmt.Sprintf("/var/cache/%d/index.html", i), Lifetime: lifetime}
		if _, err := f.svc.Generate(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.svc.SweepExpired(ctx, testNow.Add(time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1 (batch limit)", n)
	}
	if _, err := f.svc.Get(ctx, "e0"); !errors.Is(err, htrules.ErrNotFound) {
		t.Error("oldest entry not swept first")
	}

	n, err = f.svc.SweepExpired(ctx, testNow.Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if total, _ := f.store.CountEntries(ctx); total != 1 {
		t.Errorf("remaining = %d, want 1", total)
	}
	if f.gen.Files() != 1 {
		t.Errorf("rule files = %d, want 1", f.gen.Files())
	}
	if v := promtestutil.ToFloat64(f.metrics.SweptEntries); v != 2 {
		t.Errorf("swept_entries = %v, want 2", v)
	}
}

// TestRuleServiceWithHtaccess runs the service against the real generator and
// the filesystem.
func TestRuleServiceWithHtaccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "index.html")

	settings := config.NewSettings(map[string]string{config.KeyValidHtaccessHeaders: "Content-Type"})
	gen := generator.NewHtaccess(settings, render.NewRenderer(nil, 0), rulefile.New(0), func() time.Time { return testNow })
	svc := NewRuleService(gen, testutil.NewFakeStore(), RuleServiceOpts{Now: func() time.Time { return testNow }})

	e, err := svc.Generate(ctx, GenerateRequest{
		ID:         "e",
		TargetPath: target,
		Headers:    htrules.HeaderSet{{Name: "Content-Type", Value: "text/css; charset=utf-8"}},
		Lifetime:   120,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.ContentType != "text/css" {
		t.Errorf("content type = %q", e.ContentType)
	}
	b, err := os.ReadFile(filepath.Join(dir, ".htaccess"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "ExpiresByType text/css M120") {
		t.Errorf("unexpected rule file:\n%s", b)
	}

	if err := svc.RemoveByID(ctx, "e"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".htaccess")); !os.IsNotExist(err) {
		t.Errorf("rule file still present: %v", err)
	}
}
