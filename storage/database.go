// Package storage persists the checksum cache and the negotiation history
// in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"projsync/logging"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "projsync.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and old history pruned.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultHistoryRetention controls automatic negotiation history pruning.
	DefaultHistoryRetention = 90 * 24 * time.Hour
)

type migration struct {
	name string
	stmt string
}

// schema is applied in order; PRAGMA user_version records how many steps ran.
var schema = []migration{
	{"checksum cache", `
CREATE TABLE IF NOT EXISTS checksums (
  root_key    TEXT NOT NULL,
  path        TEXT NOT NULL,
  size        INTEGER NOT NULL,
  mod_time    INTEGER NOT NULL,
  checksum    TEXT NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (root_key, path)
);`},
	{"negotiation history", `
CREATE TABLE IF NOT EXISTS negotiations (
  negotiation_id  TEXT PRIMARY KEY,
  session_id      TEXT NOT NULL,
  peer_id         TEXT NOT NULL,
  direction       TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  status          TEXT NOT NULL CHECK(status IN ('running','ok','cancelled','error')) DEFAULT 'running',
  origin          TEXT NOT NULL DEFAULT '',
  reason          TEXT NOT NULL DEFAULT '',
  started_at      INTEGER NOT NULL,
  ended_at        INTEGER
);`},
	{"negotiation start index", `
CREATE INDEX IF NOT EXISTS idx_negotiations_started_at
ON negotiations (started_at DESC, negotiation_id);`},
	{"negotiation roots", `
CREATE TABLE IF NOT EXISTS negotiation_roots (
  negotiation_id  TEXT NOT NULL REFERENCES negotiations(negotiation_id) ON DELETE CASCADE,
  root_id         TEXT NOT NULL,
  root_key        TEXT NOT NULL,
  partial         INTEGER NOT NULL DEFAULT 0,
  deleted         INTEGER NOT NULL DEFAULT 0,
  created         INTEGER NOT NULL DEFAULT 0,
  missing_files   INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (negotiation_id, root_id)
);`},
}

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	MaintenanceInterval time.Duration
	HistoryRetention    time.Duration
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if out.HistoryRetention <= 0 {
		out.HistoryRetention = DefaultHistoryRetention
	}
	out.Logger = logging.OrDefault(out.Logger).Named("storage")
	return out
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu               sync.RWMutex
	historyRetention time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) DefaultDBFileName under dataDir.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, brings the schema up to date
// and starts background maintenance.
func OpenPath(dbPath string, options Options) (*Store, error) {
	opts := options.withDefaults()

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:               db,
		logger:           opts.Logger,
		historyRetention: opts.HistoryRetention,
		stop:             make(chan struct{}),
	}
	for _, step := range []func() error{store.requireWAL, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store.wg.Add(1)
	go store.maintenanceLoop(opts.MaintenanceInterval)
	return store, nil
}

// Close stops maintenance and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= len(schema) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, step := range schema[version:] {
		target := version + i + 1
		if _, err := tx.Exec(step.stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", target, step.name, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", target)); err != nil {
			return fmt.Errorf("set schema version %d: %w", target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	s.logger.Debug("schema migrated", logging.Int("from", version), logging.Int("to", len(schema)))
	return nil
}

func (s *Store) requireWAL() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// maintain truncates the WAL and drops finished history past the retention horizon.
func (s *Store) maintain() {
	if err := s.checkpointWAL(); err != nil {
		s.logger.Warn("storage maintenance", logging.Err(err))
	}
	pruned, err := s.PruneNegotiations(time.Now().Add(-s.retention()).UnixMilli())
	if err != nil {
		s.logger.Warn("storage maintenance", logging.Err(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned negotiation history", logging.Int64("negotiations", pruned))
	}
}

func (s *Store) maintenanceLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maintain()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) retention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyRetention
}
