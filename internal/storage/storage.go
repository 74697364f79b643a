// Package storage defines persistence interfaces for tracked rule entries.
package storage

import (
	"context"
	"time"

	htrules "github.com/eugener/htrules/internal"
)

// EntryStore manages the index of entries whose rule files exist on disk.
type EntryStore interface {
	// UpsertEntry inserts or replaces e, keeping the original CreatedAt.
	UpsertEntry(ctx context.Context, e *htrules.Entry) error
	GetEntry(ctx context.Context, id string) (*htrules.Entry, error)
	ListEntries(ctx context.Context, offset, limit int) ([]*htrules.Entry, error)
	// ListExpired returns up to limit entries whose ExpiresAt is at or before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*htrules.Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	CountEntries(ctx context.Context) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	EntryStore
	Ping(ctx context.Context) error
	Close() error
}
