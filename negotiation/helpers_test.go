package negotiation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"projsync/filelist"
	"projsync/network"
	"projsync/session"
	"projsync/workspace"
)

// fakePeer is an in-memory Transmitter and Receiver. onSend scripts the
// remote side's reaction to each message.
type fakePeer struct {
	mu         sync.Mutex
	sent       []any
	collectors []*network.Collector
	onSend     func(p *fakePeer, msg any)
	sendErr    error
}

func (p *fakePeer) SendMessage(msg any) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	hook := p.onSend
	err := p.sendErr
	p.mu.Unlock()

	if hook != nil {
		hook(p, msg)
	}
	return err
}

func (p *fakePeer) CreateCollector(filter network.Filter) *network.Collector {
	c := network.NewCollector(filter)
	p.mu.Lock()
	p.collectors = append(p.collectors, c)
	p.mu.Unlock()
	return c
}

func (p *fakePeer) deliver(msg any) {
	payload, err := network.EncodeJSON(msg)
	if err != nil {
		panic(err)
	}
	envelope, err := network.DecodeEnvelope(payload)
	if err != nil {
		panic(err)
	}

	p.mu.Lock()
	collectors := append([]*network.Collector(nil), p.collectors...)
	p.mu.Unlock()
	for _, c := range collectors {
		c.Deliver(network.Packet{Envelope: envelope, Payload: payload})
	}
}

func (p *fakePeer) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.sent))
	for _, msg := range p.sent {
		payload, _ := json.Marshal(msg)
		msgType, _ := network.DecodeMessageType(payload)
		types = append(types, msgType)
	}
	return types
}

func (p *fakePeer) missingFiles(t *testing.T) network.MissingFiles {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range p.sent {
		if m, ok := msg.(network.MissingFiles); ok {
			return m
		}
	}
	t.Fatalf("no missing_files message sent")
	return network.MissingFiles{}
}

// grantQueuing answers the manifest with a start queuing request.
func grantQueuing(p *fakePeer, msg any) {
	if m, ok := msg.(network.MissingFiles); ok {
		p.deliver(network.StartQueuingRequest{
			Type:          network.TypeStartQueuingRequest,
			SessionID:     m.SessionID,
			NegotiationID: m.NegotiationID,
		})
	}
}

// fakeTransfer copies missing files out of source filesystems keyed by root id.
type fakeTransfer struct {
	mu        sync.Mutex
	sources   map[string]billy.Filesystem
	setups    int
	teardowns int
	requests  []TransferRequest
	setupErr  error
	transfer  func(ctx context.Context, request TransferRequest) error
}

func (f *fakeTransfer) Setup(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups++
	return f.setupErr
}

func (f *fakeTransfer) Transfer(ctx context.Context, request TransferRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	custom := f.transfer
	f.mu.Unlock()
	if custom != nil {
		return custom(ctx, request)
	}

	for _, b := range request.Mapping {
		source := f.sources[b.RootID]
		for _, p := range request.Missing[b.RootID].Files() {
			data, err := util.ReadFile(source, p)
			if err != nil {
				return err
			}
			if err := util.WriteFile(b.Root.FS(), p, data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeTransfer) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

type fakeManager struct {
	mu      sync.Mutex
	reasons []session.StopReason
}

func (m *fakeManager) StopSession(reason session.StopReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *fakeManager) stops() []session.StopReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.StopReason(nil), m.reasons...)
}

type countingProgress struct {
	mu    sync.Mutex
	tasks []string
	done  int
}

func (p *countingProgress) SetTask(task string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
}

func (p *countingProgress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
}

func writeFiles(t *testing.T, fs billy.Filesystem, files map[string]string) {
	t.Helper()
	for p, content := range files {
		require.NoError(t, util.WriteFile(fs, p, []byte(content), 0o644))
	}
}

func memRoot(t *testing.T, key string, files map[string]string) *workspace.Root {
	t.Helper()
	fs := memfs.New()
	writeFiles(t, fs, files)
	return workspace.NewRoot(key, fs)
}

func snapshot(t *testing.T, fs billy.Filesystem) *filelist.FileList {
	t.Helper()
	list, err := filelist.Build(context.Background(), fs, filelist.BuildOptions{})
	require.NoError(t, err)
	return list
}

func guestSession() *session.Session {
	return session.New(session.Options{ID: "s1", LocalUser: "guest", Host: "host"})
}

type harness struct {
	peer     *fakePeer
	transfer *fakeTransfer
	manager  *fakeManager
	session  *session.Session
	progress *countingProgress
}

func newHarness(s *session.Session) *harness {
	if s == nil {
		s = guestSession()
	}
	return &harness{
		peer:     &fakePeer{onSend: grantQueuing},
		transfer: &fakeTransfer{sources: map[string]billy.Filesystem{}},
		manager:  &fakeManager{},
		session:  s,
		progress: &countingProgress{},
	}
}

func (h *harness) incoming(t *testing.T, entries []Entry, mutate func(*IncomingOptions)) *Incoming {
	t.Helper()
	options := IncomingOptions{
		ID:                   "n1",
		Peer:                 "host",
		Entries:              entries,
		Session:              h.session,
		Manager:              h.manager,
		Transmitter:          h.peer,
		Receiver:             h.peer,
		Transfer:             h.transfer,
		QueuingTimeout:       2 * time.Second,
		TransferPollInterval: 10 * time.Millisecond,
		TransferWaitTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&options)
	}
	n, err := NewIncoming(options)
	require.NoError(t, err)
	return n
}
