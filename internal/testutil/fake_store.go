package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	htrules "github.com/eugener/htrules/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu      sync.RWMutex
	entries map[string]*htrules.Entry

	// Err, when set, is returned by every method.
	Err error
	// UpsertErr, when set, is returned by UpsertEntry.
	UpsertErr error
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{entries: make(map[string]*htrules.Entry)}
}

// UpsertEntry stores a copy of e, keeping CreatedAt of an existing entry.
func (s *FakeStore) UpsertEntry(_ context.Context, e *htrules.Entry) error {
	if s.Err != nil {
		return s.Err
	}
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Truncate(time.Second)
	if prev, ok := s.entries[e.ID]; ok {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.entries[e.ID] = clone(e)
	return nil
}

// GetEntry returns a copy of the entry with id.
func (s *FakeStore) GetEntry(_ context.Context, id string) (*htrules.Entry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry: %w", htrules.ErrNotFound)
	}
	return clone(e), nil
}

// ListEntries returns entries ordered by ID.
func (s *FakeStore) ListEntries(_ context.Context, offset, limit int) ([]*htrules.Entry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	all := s.sorted(func(a, b *htrules.Entry) int { return strings.Compare(a.ID, b.ID) })
	return page(all, offset, limit), nil
}

// ListExpired returns entries with ExpiresAt at or before now, oldest first.
func (s *FakeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*htrules.Entry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	all := s.sorted(func(a, b *htrules.Entry) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	expired := slices.DeleteFunc(all, func(e *htrules.Entry) bool { return e.ExpiresAt.After(now) })
	return page(expired, 0, limit), nil
}

// DeleteEntry removes the entry with id.
func (s *FakeStore) DeleteEntry(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("entry: %w", htrules.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}

// CountEntries returns the number of stored entries.
func (s *FakeStore) CountEntries(context.Context) (int, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Ping reports Err.
func (s *FakeStore) Ping(context.Context) error { return s.Err }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

func (s *FakeStore) sorted(cmp func(a, b *htrules.Entry) int) []*htrules.Entry {
	s.mu.RLock()
	out := make([]*htrules.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, clone(e))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, cmp)
	return out
}

func page(entries []*htrules.Entry, offset, limit int) []*htrules.Entry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit >= 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func clone(e *htrules.Entry) *htrules.Entry {
	c := *e
	c.Headers = e.Headers.Clone()
	return &c
}
