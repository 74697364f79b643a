// Package app implements application-level services for the htrules service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/storage"
	"github.com/eugener/htrules/internal/telemetry"
)

// listPageSize is the page size used when walking the whole index.
const listPageSize = 200

// RuleGenerator writes and removes rule files and reports what it wrote.
type RuleGenerator interface {
	GenerateRule(ctx context.Context, entry htrules.CacheEntry, opts htrules.GenerateOptions) (htrules.Rule, error)
	Remove(ctx context.Context, entryID, targetPath string) error
}

// RuleService drives a RuleGenerator from cache populate and evict events
// and keeps the entry index in step with the files on disk. Mutations that
// touch the same entry ID or the same directory are serialized. The ID lock
// is always taken before the directory locks.
type RuleService struct {
	gen     RuleGenerator
	store   storage.EntryStore
	metrics *telemetry.Metrics // nil when metrics are disabled
	tracer  trace.Tracer
	ids     *keyedMutex
	locks   *keyedMutex // directories
	root    string
	workers int
	now     func() time.Time
}

// RuleServiceOpts configures optional RuleService collaborators.
type RuleServiceOpts struct {
	Metrics *telemetry.Metrics
	Workers int              // RegenerateAll concurrency; default 4
	Now     func() time.Time // default time.Now
	// Root confines rule files to this directory and its subdirectories.
	// Empty allows any absolute path.
	Root string
}

// NewRuleService returns a RuleService writing through gen and tracking entries in store.
func NewRuleService(gen RuleGenerator, store storage.EntryStore, opts RuleServiceOpts) *RuleService {
	s := &RuleService{
		gen:     gen,
		store:   store,
		metrics: opts.Metrics,
		tracer:  telemetry.Tracer("github.com/eugener/htrules/internal/app"),
		ids:     newKeyedMutex(),
		locks:   newKeyedMutex(),
		workers: opts.Workers,
		now:     opts.Now,
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Root != "" {
		s.root = filepath.Clean(opts.Root)
	}
	return s
}

// checkTarget cleans an absolute target path and rejects it when its rule
// file would land outside the configured root.
func (s *RuleService) checkTarget(targetPath string) (string, error) {
	if targetPath == "" || !filepath.IsAbs(targetPath) {
		return "", fmt.Errorf("%w: target_path must be an absolute path", htrules.ErrBadRequest)
	}
	targetPath = filepath.Clean(targetPath)
	if s.root == "" {
		return targetPath, nil
	}
	if rel, err := filepath.Rel(s.root, filepath.Dir(targetPath)); err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: target_path is outside %s", htrules.ErrBadRequest, s.root)
	}
	return targetPath, nil
}

// lockID serializes work on one entry. An empty ID locks nothing.
func (s *RuleService) lockID(id string) (unlock func()) {
	if id == "" {
		return func() {}
	}
	return s.ids.Lock(id)
}

// GenerateRequest is a cache populate event.
type GenerateRequest struct {
	ID                     string // empty = generated
	TargetPath             string
	Headers                htrules.HeaderSet
	Lifetime               int // seconds
	SendCacheControlHeader bool
}

// Generate writes the rule file for req and records the entry. When the entry
// was previously tracked under another directory, that directory's rule file
// is removed.
func (s *RuleService) Generate(ctx context.Context, req GenerateRequest) (_ *htrules.Entry, err error) {
	if req.TargetPath, err = s.checkTarget(req.TargetPath); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.Must(uuid.NewV7()).String()
	}

	ctx, span := s.tracer.Start(ctx, "RuleService.Generate", trace.WithAttributes(
		attribute.String("entry.id", req.ID),
		attribute.String("entry.target_path", req.TargetPath),
	))
	defer func() { s.endSpan(span, "generate", err) }()

	unlockID := s.lockID(req.ID)
	defer unlockID()

	prev, err := s.store.GetEntry(ctx, req.ID)
	if err != nil && !errors.Is(err, htrules.ErrNotFound) {
		return nil, fmt.Errorf("get entry %s: %w", req.ID, err)
	}

	rulePath := htrules.RuleFilePath(req.TargetPath)
	dirs := []string{filepath.Dir(req.TargetPath)}
	if prev != nil && prev.RulePath != rulePath {
		dirs = append(dirs, filepath.Dir(prev.TargetPath))
	}
	unlock := s.locks.Lock(dirs...)
	defer unlock()

	entry := &htrules.Entry{
		ID:                     req.ID,
		TargetPath:             req.TargetPath,
		Headers:                req.Headers,
		Lifetime:               req.Lifetime,
		SendCacheControlHeader: req.SendCacheControlHeader,
	}
	if err := s.write(ctx, entry, true); err != nil {
		return nil, err
	}

	if prev != nil && prev.RulePath != rulePath {
		if err := s.gen.Remove(ctx, prev.ID, prev.TargetPath); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "stale rule file not removed",
				slog.String("entry_id", prev.ID),
				slog.String("path", prev.RulePath),
				slog.String("error", err.Error()),
			)
		}
	}

	s.RefreshTracked(ctx)
	return entry, nil
}

// write generates the rule file for e and upserts it. The caller holds the
// directory lock. With resetExpiry, ExpiresAt restarts from now using the
// cache lifetime (not the rule file's effective lifetime).
func (s *RuleService) write(ctx context.Context, e *htrules.Entry, resetExpiry bool) error {
	start, began := s.now(), time.Now()
	rule, err := s.gen.GenerateRule(ctx, e.CacheEntry(), htrules.GenerateOptions{
		SendCacheControlHeader: e.SendCacheControlHeader,
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RulesGenerated.WithLabelValues(string(rule.Mode)).Inc()
		s.metrics.GenerateDuration.Observe(time.Since(began).Seconds())
	}

	e.RulePath = rule.Path
	e.Mode = rule.Mode
	e.ContentType = rule.ContentType
	if resetExpiry {
		e.ExpiresAt = start.Add(time.Duration(e.Lifetime) * time.Second).UTC().Truncate(time.Second)
	}

	if err := s.store.UpsertEntry(ctx, e); err != nil {
		// An untracked rule file would never be swept.
		if resetExpiry {
			if rmErr := s.gen.Remove(ctx, e.ID, e.TargetPath); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
		}
		return fmt.Errorf("record entry %s: %w", e.ID, err)
	}
	return nil
}

// Remove deletes the rule file for targetPath and forgets entryID. It is an
// evict event: neither a missing file nor an untracked ID is an error.
func (s *RuleService) Remove(ctx context.Context, entryID, targetPath string) error {
	targetPath, err := s.checkTarget(targetPath)
	if err != nil {
		return err
	}
	unlockID := s.lockID(entryID)
	defer unlockID()
	return s.removeTracked(ctx, entryID, targetPath)
}

// removeTracked removes one rule file under its directory lock. The caller
// holds the ID lock.
func (s *RuleService) removeTracked(ctx context.Context, entryID, targetPath string) (err error) {
	ctx, span := s.tracer.Start(ctx, "RuleService.Remove", trace.WithAttributes(
		attribute.String("entry.id", entryID),
		attribute.String("entry.target_path", targetPath),
	))
	defer func() { s.endSpan(span, "remove", err) }()

	unlock := s.locks.Lock(filepath.Dir(targetPath))
	defer unlock()

	if err := s.remove(ctx, entryID, targetPath); err != nil {
		return err
	}
	s.RefreshTracked(ctx)
	return nil
}

func (s *RuleService) remove(ctx context.Context, entryID, targetPath string) error {
	if err := s.gen.Remove(ctx, entryID, targetPath); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RulesRemoved.Inc()
	}
	if entryID == "" {
		return nil
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil && !errors.Is(err, htrules.ErrNotFound) {
		return fmt.Errorf("forget entry %s: %w", entryID, err)
	}
	return nil
}

// RemoveByID removes the rule file of a tracked entry.
func (s *RuleService) RemoveByID(ctx context.Context, id string) error {
	unlockID := s.lockID(id)
	defer unlockID()

	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	return s.removeTracked(ctx, e.ID, e.TargetPath)
}

// Get returns a tracked entry.
func (s *RuleService) Get(ctx context.Context, id string) (*htrules.Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// List returns a page of tracked entries and the total count.
func (s *RuleService) List(ctx context.Context, offset, limit int) ([]*htrules.Entry, int, error) {
	entries, err := s.store.ListEntries(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.CountEntries(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// RegenerateAll rewrites the rule file of every tracked entry with the current
// template and settings. It keeps going past individual failures and returns
// the number of files rewritten with all failures joined.
func (s *RuleService) RegenerateAll(ctx context.Context) (_ int, err error) {
	ctx, span := s.tracer.Start(ctx, "RuleService.RegenerateAll")
	defer func() { s.endSpan(span, "regenerate", err) }()

	var entries []*htrules.Entry
	for offset := 0; ; offset += listPageSize {
		page, err := s.store.ListEntries(ctx, offset, listPageSize)
		if err != nil {
			return 0, fmt.Errorf("list entries: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < listPageSize {
			break
		}
	}

	var (
		done atomic.Int64
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, listed := range entries {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			unlockID := s.lockID(listed.ID)
			defer unlockID()

			// Moved or evicted since the listing.
			e, rerr := s.store.GetEntry(ctx, listed.ID)
			if errors.Is(rerr, htrules.ErrNotFound) {
				return nil
			}
			if rerr == nil {
				unlock := s.locks.Lock(filepath.Dir(e.TargetPath))
				defer unlock()

				// Regeneration does not extend the cache lifetime.
				rerr = s.write(ctx, e, false)
			}
			if rerr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("regenerate %s: %w", listed.ID, rerr))
				mu.Unlock()
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		errs = append(errs, ctxErr)
	}
	s.RefreshTracked(ctx)
	slog.LogAttrs(ctx, slog.LevelInfo, "regenerated rule files",
		slog.Int("count", int(done.Load())),
		slog.Int("failed", len(errs)),
	)
	return int(done.Load()), errors.Join(errs...)
}

// SweepExpired removes up to limit entries whose cache lifetime ended at or
// before now, oldest first. It returns the number removed.
func (s *RuleService) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	var errs []error
	n := 0
	for _, e := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		unlockID := s.lockID(e.ID)
		// Regenerated concurrently with a new lifetime.
		cur, err := s.store.GetEntry(ctx, e.ID)
		switch {
		case errors.Is(err, htrules.ErrNotFound):
		case err != nil:
			errs = append(errs, err)
		case cur.ExpiresAt.After(now):
		default:
			unlock := s.locks.Lock(filepath.Dir(cur.TargetPath))
			if err := s.remove(ctx, cur.ID, cur.TargetPath); err != nil {
				errs = append(errs, err)
			} else {
				n++
			}
			unlock()
		}
		unlockID()
	}

	if s.metrics != nil {
		s.metrics.SweptEntries.Add(float64(n))
		if len(errs) > 0 {
			s.metrics.RuleErrors.WithLabelValues("sweep").Inc()
		}
	}
	if n > 0 {
		s.RefreshTracked(ctx)
	}
	return n, errors.Join(errs...)
}

// RefreshTracked updates the tracked-entries gauge from the index.
func (s *RuleService) RefreshTracked(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	n, err := s.store.CountEntries(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "count entries failed", slog.String("error", err.Error()))
		return
	}
	s.metrics.TrackedEntries.Set(float64(n))
}

func (s *RuleService) endSpan(span trace.Span, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			s.metrics.RuleErrors.WithLabelValues(op).Inc()
		}
	}
	span.End()
}
