package store

import (
	"context"
	"errors"
)

// GetImportedFileHash returns the content hash recorded for an imported
// question file, or "" if it was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.get(ctx, &hash, `SELECT hash FROM imported_files WHERE path = ?`, path)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported question file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.exec(ctx,
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?`,
		path, hash, hash,
	)
	return err
}
