package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	htrules "github.com/eugener/htrules/internal"
)

const entryColumns = `id, target_path, rule_path, headers, lifetime_s, mode, content_type,
	 send_cache_control_header, expires_at, created_at, updated_at`

// UpsertEntry inserts an entry or replaces every field except created_at.
// On return e carries the stored timestamps.
func (s *Store) UpsertEntry(ctx context.Context, e *htrules.Entry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	if e.Headers == nil {
		headers = []byte("[]")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var createdAt string
	err = s.write.QueryRowContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   target_path=excluded.target_path,
		   rule_path=excluded.rule_path,
		   headers=excluded.headers,
		   lifetime_s=excluded.lifetime_s,
		   mode=excluded.mode,
		   content_type=excluded.content_type,
		   send_cache_control_header=excluded.send_cache_control_header,
		   expires_at=excluded.expires_at,
		   updated_at=excluded.updated_at
		 RETURNING created_at`,
		e.ID, e.TargetPath, e.RulePath, string(headers), e.Lifetime, string(e.Mode), e.ContentType,
		boolToInt(e.SendCacheControlHeader), e.ExpiresAt.Unix(),
		e.CreatedAt.UTC().Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339),
	).Scan(&createdAt)
	if err != nil {
		return err
	}
	e.CreatedAt = parseTime(createdAt)
	return nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*htrules.Entry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id=?`, id,
	)
	return scanEntry(row)
}

// ListEntries returns entries ordered by ID.
func (s *Store) ListEntries(ctx context.Context, offset, limit int) ([]*htrules.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset,
	)
}

// ListExpired returns entries with expires_at <= now, oldest first.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*htrules.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE expires_at <= ? ORDER BY expires_at, id LIMIT ?`,
		now.Unix(), limit,
	)
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM entries WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "entry")
}

// CountEntries returns the number of tracked entries.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*htrules.Entry, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*htrules.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*htrules.Entry, error) {
	var e htrules.Entry
	var headers, mode, createdAt, updatedAt string
	var sendCC int
	var expiresAt int64

	err := s.Scan(
		&e.ID, &e.TargetPath, &e.RulePath, &headers, &e.Lifetime, &mode, &e.ContentType,
		&sendCC, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers of %s: %w", e.ID, err)
	}
	e.Mode = htrules.Mode(mode)
	e.SendCacheControlHeader = sendCC != 0
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// notFoundErr translates sql.ErrNoRows to htrules.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return htrules.ErrNotFound
	}
	return err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, htrules.ErrNotFound)
	}
	return nil
}
