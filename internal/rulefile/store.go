// Package rulefile writes and deletes generated rule files on disk.
package rulefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	htrules "github.com/eugener/htrules/internal"
)

// DefaultPerm is the mode of rule files; the web server user must read them.
const DefaultPerm fs.FileMode = 0o644

// Store writes rule files through a temp file + rename so readers never
// observe a partially written file.
type Store struct {
	perm fs.FileMode
}

// New returns a Store that creates files with perm (0 = DefaultPerm).
func New(perm fs.FileMode) *Store {
	if perm == 0 {
		perm = DefaultPerm
	}
	return &Store{perm: perm}
}

// Write creates or replaces the file at path with exactly content, including
// when content is empty. The parent directory must already exist.
func (s *Store) Write(path string, content []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp rule file in %s: %w", htrules.ErrFilesystem, dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write %s: %w", htrules.ErrFilesystem, tmpPath, err)
	}
	if err = tmp.Chmod(s.perm); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", htrules.ErrFilesystem, tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", htrules.ErrFilesystem, tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %w", htrules.ErrFilesystem, tmpPath, path, err)
	}
	return nil
}

// Delete removes the file at path. A missing file is a no-op.
func (s *Store) Delete(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("%w: remove %s: %w", htrules.ErrFilesystem, path, err)
}
