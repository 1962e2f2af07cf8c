package network

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorFiltersAndOrders(t *testing.T) {
	c := NewCollector(MatchNegotiation("s1", "n1", TypeFileData))

	assert.False(t, c.Deliver(Packet{Envelope: Envelope{Type: TypeFileData, SessionID: "s1", NegotiationID: "other"}}))
	assert.False(t, c.Deliver(Packet{Envelope: Envelope{Type: TypeTransferDone, SessionID: "s1", NegotiationID: "n1"}}))
	require.True(t, c.Deliver(Packet{Envelope: Envelope{Type: TypeFileData, SessionID: "s1", NegotiationID: "n1"}, Payload: []byte("1")}))
	require.True(t, c.Deliver(Packet{Envelope: Envelope{Type: TypeFileData, SessionID: "s1", NegotiationID: "n1"}, Payload: []byte("2")}))
	assert.Equal(t, 2, c.Len())

	first, err := c.Collect(context.Background(), time.Second)
	require.NoError(t, err)
	second, err := c.Collect(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(first.Payload))
	assert.Equal(t, "2", string(second.Payload))
}

func TestCollectorTimeoutAndCancel(t *testing.T) {
	c := NewCollector(MatchType(TypeStartQueuingRequest))

	_, err := c.Collect(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCollectTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Collect(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Cancel()
	}()
	_, err = c.Collect(context.Background(), 0)
	assert.ErrorIs(t, err, ErrCollectorCancelled)
	assert.False(t, c.Deliver(Packet{Envelope: Envelope{Type: TypeStartQueuingRequest}}))
}

func TestDispatcherRoutesToCollectorsAndHandlers(t *testing.T) {
	local, remote := newPipeConnections(t, nil)

	dispatcher := NewDispatcher(remote, nil)
	collector := dispatcher.CreateCollector(MatchNegotiation("s1", "n1", TypeStartQueuingRequest))

	cancels := make(chan NegotiationCancel, 1)
	dispatcher.Handle(TypeNegotiationCancel, func(p Packet) {
		var msg NegotiationCancel
		if err := json.Unmarshal(p.Payload, &msg); err == nil {
			cancels <- msg
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	require.NoError(t, local.SendMessage(StartQueuingRequest{Type: TypeStartQueuingRequest, SessionID: "s1", NegotiationID: "n1"}))
	require.NoError(t, local.SendMessage(NegotiationCancel{Type: TypeNegotiationCancel, SessionID: "s1", NegotiationID: "n1", Reason: "user left"}))

	packet, err := collector.Collect(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeStartQueuingRequest, packet.Type)

	select {
	case msg := <-cancels:
		assert.Equal(t, "user left", msg.Reason)
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel handler was not invoked")
	}
}

func TestDispatcherClosesCollectorsWhenConnectionEnds(t *testing.T) {
	local, remote := newPipeConnections(t, nil)

	dispatcher := NewDispatcher(remote, nil)
	collector := dispatcher.CreateCollector(MatchType(TypeTransferDone))
	dispatcher.Start(context.Background())

	require.NoError(t, local.Close())

	select {
	case <-dispatcher.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}

	_, err := collector.Collect(context.Background(), time.Second)
	assert.True(t, errors.Is(err, ErrDispatcherClosed), "got %v", err)

	late := dispatcher.CreateCollector(MatchType(TypeTransferDone))
	_, err = late.Collect(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}
