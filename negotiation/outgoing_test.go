package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projsync/filelist"
	"projsync/network"
	"projsync/session"
)

type recordingSender struct {
	mu       sync.Mutex
	requests []SendRequest
	err      error
}

func (s *recordingSender) Send(_ context.Context, request SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
	return s.err
}

// answerOffer plays a receiving peer that needs every offered file.
func answerOffer(p *fakePeer, msg any) {
	switch m := msg.(type) {
	case network.ProjectOffer:
		lists := make([]*filelist.FileList, 0, len(m.Entries))
		for _, e := range m.Entries {
			missing, _ := filelist.FromPaths(e.FileList.Files()...)
			lists = append(lists, missing.WithRootID(e.RootID))
		}
		p.deliver(network.MissingFiles{
			Type:          network.TypeMissingFiles,
			SessionID:     m.SessionID,
			NegotiationID: m.NegotiationID,
			FileLists:     lists,
		})
	case network.StartQueuingRequest:
		p.deliver(network.StartQueuingResponse{
			Type:          network.TypeStartQueuingResponse,
			SessionID:     m.SessionID,
			NegotiationID: m.NegotiationID,
		})
	}
}

func hostSession() *session.Session {
	s := session.New(session.Options{ID: "s1", LocalUser: "host", Host: "host"})
	s.AddRemoteUser("guest")
	return s
}

func TestOutgoingRunOffersAndSendsRequestedFiles(t *testing.T) {
	root := memRoot(t, "/work/project", map[string]string{"a.txt": "a", "src/b.go": "package b"})
	peer := &fakePeer{onSend: answerOffer}
	sender := &recordingSender{}

	n, err := NewOutgoing(OutgoingOptions{
		Peer:        "guest",
		Mapping:     Mapping{{RootID: "root-1", Root: root}},
		Session:     hostSession(),
		Manager:     &fakeManager{},
		Transmitter: peer,
		Receiver:    peer,
		Sender:      sender,
	})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID())

	outcome, err := n.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusOK, outcome.Status, "cause: %v", outcome.Cause)

	assert.Equal(t, []string{network.TypeProjectOffer, network.TypeStartQueuingRequest}, peer.sentTypes())

	offer := peer.sent[0].(network.ProjectOffer)
	assert.Equal(t, n.ID(), offer.NegotiationID)
	assert.Equal(t, "host", offer.Host)
	require.Len(t, offer.Entries, 1)
	assert.Equal(t, "project", offer.Entries[0].Name)
	assert.False(t, offer.Entries[0].Partial)
	assert.ElementsMatch(t, []string{"a.txt", "src/b.go"}, offer.Entries[0].FileList.Files())

	require.Len(t, sender.requests, 1)
	assert.ElementsMatch(t, []string{"a.txt", "src/b.go"}, sender.requests[0].Missing["root-1"].Files())
}

func TestOutgoingPartialOfferListsOnlySelectedPaths(t *testing.T) {
	root := memRoot(t, "/work/project", map[string]string{"a.txt": "a", "secret.txt": "s"})
	peer := &fakePeer{onSend: answerOffer}

	n, err := NewOutgoing(OutgoingOptions{
		Peer:        "guest",
		Mapping:     Mapping{{RootID: "root-1", Root: root}},
		Partial:     map[string][]string{"root-1": {"a.txt"}},
		Session:     hostSession(),
		Transmitter: peer,
		Receiver:    peer,
		Sender:      &recordingSender{},
	})
	require.NoError(t, err)

	outcome, err := n.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusOK, outcome.Status, "cause: %v", outcome.Cause)

	offer := peer.sent[0].(network.ProjectOffer)
	assert.True(t, offer.Entries[0].Partial)
	assert.Equal(t, []string{"a.txt"}, offer.Entries[0].FileList.Files())
}

func TestOutgoingManifestTimeout(t *testing.T) {
	peer := &fakePeer{}
	manager := &fakeManager{}
	n, err := NewOutgoing(OutgoingOptions{
		Peer:         "guest",
		Mapping:      Mapping{{RootID: "root-1", Root: memRoot(t, "/work/project", nil)}},
		Session:      session.New(session.Options{ID: "s1", LocalUser: "host", Host: "host"}),
		Manager:      manager,
		Transmitter:  peer,
		Receiver:     peer,
		Sender:       &recordingSender{},
		OfferTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	outcome, err := n.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, outcome.Status)
	assert.True(t, errors.Is(outcome.Cause, ErrProtocolTimeout))
	assert.Equal(t, []session.StopReason{session.StopLocalUserLeft}, manager.stops(), "a host without users leaves")
}

func TestOutgoingSendFailure(t *testing.T) {
	peer := &fakePeer{onSend: answerOffer}
	n, err := NewOutgoing(OutgoingOptions{
		Peer:        "guest",
		Mapping:     Mapping{{RootID: "root-1", Root: memRoot(t, "/work/project", map[string]string{"a.txt": "a"})}},
		Session:     hostSession(),
		Transmitter: peer,
		Receiver:    peer,
		Sender:      &recordingSender{err: errors.New("broken pipe")},
	})
	require.NoError(t, err)

	outcome, err := n.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, outcome.Status)
	assert.Equal(t, network.TypeNegotiationCancel, peer.sentTypes()[len(peer.sentTypes())-1])
}

func TestNewOutgoingValidatesMapping(t *testing.T) {
	peer := &fakePeer{}
	base := OutgoingOptions{
		Session:     hostSession(),
		Transmitter: peer,
		Receiver:    peer,
		Sender:      &recordingSender{},
	}

	_, err := NewOutgoing(base)
	assert.ErrorIs(t, err, ErrInvalidMapping)

	root := memRoot(t, "/work/project", nil)
	dup := base
	dup.Mapping = Mapping{{RootID: "r", Root: root}, {RootID: "r", Root: root}}
	_, err = NewOutgoing(dup)
	assert.ErrorIs(t, err, ErrInvalidMapping)
}

func TestRegistryRoutesCancelAndOffers(t *testing.T) {
	registry := NewRegistry(nil)
	h := newHarness(nil)
	n := h.incoming(t, []Entry{NewEntry("root-1", filelist.Empty(), false)}, nil)
	require.NoError(t, registry.Add(n))
	assert.Error(t, registry.Add(n))

	payload, err := json.Marshal(network.NegotiationCancel{
		Type:          network.TypeNegotiationCancel,
		SessionID:     "s1",
		NegotiationID: "n1",
		Reason:        "host stopped sharing",
	})
	require.NoError(t, err)
	registry.HandleCancel(network.Packet{Envelope: network.Envelope{Type: network.TypeNegotiationCancel, NegotiationID: "n1"}, Payload: payload})

	outcome, done := n.Outcome()
	require.True(t, done)
	assert.Equal(t, OriginRemote, outcome.Origin)
	assert.Equal(t, "host stopped sharing", outcome.Reason)
	assert.Empty(t, h.peer.sentTypes())

	var got []Entry
	registry.OnOffer(func(_ network.ProjectOffer, entries []Entry) { got = entries })
	offerPayload, err := json.Marshal(network.ProjectOffer{
		Type:          network.TypeProjectOffer,
		NegotiationID: "n2",
		Entries:       []network.OfferEntry{{RootID: "root-9", FileList: filelist.MustNew(filelist.Entry{Path: "a.txt", Size: 1})}},
	})
	require.NoError(t, err)
	registry.HandleOffer(network.Packet{Envelope: network.Envelope{Type: network.TypeProjectOffer}, Payload: offerPayload})
	require.Len(t, got, 1)
	assert.Equal(t, "root-9", got[0].RootID)
	assert.Equal(t, "root-9", got[0].FileList.RootID())

	registry.Remove("n1")
	assert.Zero(t, registry.Len())
}

func cancelPacket(t *testing.T, negotiationID, reason string) network.Packet {
	t.Helper()
	payload, err := json.Marshal(network.NegotiationCancel{
		Type:          network.TypeNegotiationCancel,
		SessionID:     "s1",
		NegotiationID: negotiationID,
		Reason:        reason,
	})
	require.NoError(t, err)
	return network.Packet{Envelope: network.Envelope{Type: network.TypeNegotiationCancel, NegotiationID: negotiationID}, Payload: payload}
}

func TestRegistryAppliesCancelReceivedBeforeAdd(t *testing.T) {
	registry := NewRegistry(nil)
	registry.HandleCancel(cancelPacket(t, "n1", "host stopped sharing"))

	h := newHarness(nil)
	n := h.incoming(t, []Entry{NewEntry("root-1", filelist.Empty(), false)}, nil)
	require.NoError(t, registry.Add(n))

	outcome, done := n.Outcome()
	require.True(t, done, "held cancel is applied on Add")
	assert.Equal(t, OriginRemote, outcome.Origin)
	assert.Equal(t, "host stopped sharing", outcome.Reason)
	assert.Empty(t, h.peer.sentTypes())

	registry.HandleCancel(cancelPacket(t, "n2", "stale"))
	registry.Remove("n2")
	other := newHarness(nil).incoming(t, []Entry{NewEntry("root-1", filelist.Empty(), false)}, func(o *IncomingOptions) {
		o.ID = "n2"
	})
	require.NoError(t, registry.Add(other))
	_, done = other.Outcome()
	assert.False(t, done, "Remove discards the held notice")
}

func TestRegistryCancelAllCancelsEveryNegotiation(t *testing.T) {
	registry := NewRegistry(nil)
	h1, h2 := newHarness(nil), newHarness(nil)
	first := h1.incoming(t, []Entry{NewEntry("root-1", filelist.Empty(), false)}, nil)
	second := h2.incoming(t, []Entry{NewEntry("root-1", filelist.Empty(), false)}, func(o *IncomingOptions) {
		o.ID = "n2"
	})
	require.NoError(t, registry.Add(first))
	require.NoError(t, registry.Add(second))

	registry.CancelAll("interrupted", NotifyPeer)

	for _, n := range []*Incoming{first, second} {
		outcome, done := n.Outcome()
		require.True(t, done, n.ID())
		assert.Equal(t, OriginLocal, outcome.Origin)
		assert.Equal(t, "interrupted", outcome.Reason)
	}
	assert.Equal(t, []string{network.TypeNegotiationCancel}, h1.peer.sentTypes())
	assert.Equal(t, []string{network.TypeNegotiationCancel}, h2.peer.sentTypes())
}

func TestDecodeOfferRejectsPathLikeRootIDs(t *testing.T) {
	for _, id := range []string{"../../victim", "a/b", `a\b`, "..", "."} {
		payload, err := json.Marshal(network.ProjectOffer{
			Type:          network.TypeProjectOffer,
			NegotiationID: "n1",
			Entries:       []network.OfferEntry{{RootID: id, FileList: filelist.Empty()}},
		})
		require.NoError(t, err)
		_, _, err = DecodeOffer(network.Packet{Envelope: network.Envelope{Type: network.TypeProjectOffer}, Payload: payload})
		assert.Error(t, err, "root id %q", id)
	}

	h := newHarness(nil)
	_, err := NewIncoming(IncomingOptions{
		ID:          "n1",
		Entries:     []Entry{NewEntry("../escape", filelist.Empty(), false)},
		Session:     h.session,
		Transmitter: h.peer,
		Receiver:    h.peer,
	})
	assert.ErrorContains(t, err, "path separator")
	assert.NoError(t, validateRootID("3f1c9a2e-root"))
}
