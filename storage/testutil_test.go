package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func mustStartNegotiation(t *testing.T, store *Store, negotiationID, peerID string, startedAt int64) {
	t.Helper()

	require.NoError(t, store.RecordNegotiationStart(NegotiationRecord{
		NegotiationID: negotiationID,
		SessionID:     "session-1",
		PeerID:        peerID,
		Direction:     DirectionIncoming,
		StartedAt:     startedAt,
	}), "start negotiation %q", negotiationID)
}

func hoursAgo(h int) int64 {
	return time.Now().Add(-time.Duration(h) * time.Hour).UnixMilli()
}
