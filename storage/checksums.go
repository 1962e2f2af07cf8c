package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupChecksum returns the cached checksum for a file when its size and
// modification time still match the cached row.
func (s *Store) LookupChecksum(rootKey, path string, size int64, modTime time.Time) (string, bool, error) {
	var (
		cachedSize    int64
		cachedModTime int64
		checksum      string
	)
	err := s.db.QueryRow(
		`SELECT size, mod_time, checksum FROM checksums WHERE root_key = ? AND path = ?`,
		rootKey,
		path,
	).Scan(&cachedSize, &cachedModTime, &checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup checksum %q: %w", path, err)
	}

	if cachedSize != size || cachedModTime != modTime.UnixNano() {
		return "", false, nil
	}
	return checksum, true, nil
}

// StoreChecksum upserts the checksum for a file.
func (s *Store) StoreChecksum(rootKey, path string, size int64, modTime time.Time, checksum string) error {
	if rootKey == "" && path == "" {
		return errors.New("root_key or path is required")
	}
	if checksum == "" {
		return errors.New("checksum is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO checksums (root_key, path, size, mod_time, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_key, path) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
		rootKey,
		path,
		size,
		modTime.UnixNano(),
		checksum,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store checksum %q: %w", path, err)
	}
	return nil
}

// ForgetChecksums drops every cached checksum of a shared root.
func (s *Store) ForgetChecksums(rootKey string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM checksums WHERE root_key = ?`, rootKey)
	if err != nil {
		return 0, fmt.Errorf("forget checksums for %q: %w", rootKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for checksum forget: %w", err)
	}
	return rowsAffected, nil
}
