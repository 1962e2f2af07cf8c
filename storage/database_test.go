package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pragma(t *testing.T, store *Store, name string, dest any) {
	t.Helper()
	require.NoError(t, store.db.QueryRow("PRAGMA "+name+";").Scan(dest))
}

func TestOpenBuildsSchema(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested")
	store, dbPath, err := Open(dataDir, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	assert.FileExists(t, dbPath)

	var version int
	pragma(t, store, "user_version", &version)
	assert.Equal(t, len(schema), version)

	var journalMode string
	pragma(t, store, "journal_mode", &journalMode)
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	pragma(t, store, "foreign_keys", &foreignKeys)
	assert.Equal(t, 1, foreignKeys)

	for _, table := range []string{"checksums", "negotiations", "negotiation_roots"} {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&count))
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	first, err := OpenPath(dbPath, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	mustStartNegotiation(t, first, "kept", "peer-a", nowUnixMilli())
	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "second close is a no-op")

	second, err := OpenPath(dbPath, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	defer second.Close()

	var version int
	pragma(t, second, "user_version", &version)
	assert.Equal(t, len(schema), version)

	_, err = second.GetNegotiation("kept")
	assert.NoError(t, err)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, DefaultMaintenanceInterval, opts.MaintenanceInterval)
	assert.Equal(t, DefaultHistoryRetention, opts.HistoryRetention)
	assert.NotNil(t, opts.Logger)

	custom := Options{MaintenanceInterval: time.Minute, HistoryRetention: time.Hour}.withDefaults()
	assert.Equal(t, time.Minute, custom.MaintenanceInterval)
	assert.Equal(t, time.Hour, custom.HistoryRetention)
}

func TestMaintenancePrunesExpiredHistory(t *testing.T) {
	store := newTestStore(t)

	mustStartNegotiation(t, store, "old", "peer-a", hoursAgo(3))
	require.NoError(t, store.RecordNegotiationOutcome("old", StatusOK, "", ""))
	mustStartNegotiation(t, store, "recent", "peer-a", hoursAgo(1))
	require.NoError(t, store.RecordNegotiationOutcome("recent", StatusOK, "", ""))

	store.SetHistoryRetention(2 * time.Hour)
	store.maintain()

	_, err := store.GetNegotiation("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetNegotiation("recent")
	assert.NoError(t, err)
}

func TestMaintenanceLoopRunsOnInterval(t *testing.T) {
	store, err := OpenPath(filepath.Join(t.TempDir(), "loop.db"), Options{
		MaintenanceInterval: 10 * time.Millisecond,
		HistoryRetention:    time.Hour,
		Logger:              zap.NewNop(),
	})
	require.NoError(t, err)
	defer store.Close()

	// Recorded directly so the start-time prune does not remove it first.
	_, err = store.db.Exec(
		`INSERT INTO negotiations (negotiation_id, session_id, peer_id, direction, status, started_at, ended_at)
		 VALUES ('stale', 's', 'p', 'incoming', 'ok', ?, ?)`,
		hoursAgo(5), hoursAgo(5),
	)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := store.GetNegotiation("stale")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
