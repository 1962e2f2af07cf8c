// Package negotiation runs the project negotiation that brings a peer's
// shared roots in line with the offering side before a session shares them.
package negotiation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"projsync/filelist"
	"projsync/network"
	"projsync/session"
	"projsync/storage"
	"projsync/workspace"
)

// Entry is the offering side's description of one shared root.
type Entry struct {
	RootID   string
	FileList *filelist.FileList
	Partial  bool
}

// NewEntry tags list with rootID. A nil list is treated as empty.
func NewEntry(rootID string, list *filelist.FileList, partial bool) Entry {
	if list == nil {
		list = filelist.Empty()
	}
	return Entry{RootID: rootID, FileList: list.WithRootID(rootID), Partial: partial}
}

// Binding pairs a remote root id with the local root that receives it.
type Binding struct {
	RootID string
	Root   *workspace.Root
}

// Mapping is an ordered set of bindings.
type Mapping []Binding

// NewMapping returns the bindings of m sorted by root id.
func NewMapping(m map[string]*workspace.Root) Mapping {
	out := make(Mapping, 0, len(m))
	for id, root := range m {
		out = append(out, Binding{RootID: id, Root: root})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootID < out[j].RootID })
	return out
}

// Roots returns the local roots in binding order.
func (m Mapping) Roots() []*workspace.Root {
	roots := make([]*workspace.Root, 0, len(m))
	for _, b := range m {
		roots = append(roots, b.Root)
	}
	return roots
}

// Status is the terminal state of a negotiation.
type Status int

const (
	StatusOK Status = iota
	StatusCancelled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return storage.StatusOK
	case StatusCancelled:
		return storage.StatusCancelled
	case StatusError:
		return storage.StatusError
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Origin tells which side ended a negotiation early.
type Origin int

const (
	OriginNone Origin = iota
	OriginLocal
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return ""
	}
}

// Outcome is the result of one negotiation, produced exactly once.
type Outcome struct {
	Status Status
	Origin Origin
	Reason string
	Cause  error
}

// State is one step of the negotiation state machine.
type State int

const (
	StateCreated State = iota
	StateSetup
	StateDiffing
	StateSyncing
	StateSending
	StateAwaitingPeerAck
	StateQueueEnabled
	StateTransferring
	StateRegistering
	StateDone
)

var stateNames = [...]string{
	"created",
	"setup",
	"diffing",
	"syncing",
	"sending",
	"awaiting_peer_ack",
	"queue_enabled",
	"transferring",
	"registering",
	"done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Progress receives step updates of a running negotiation.
type Progress interface {
	SetTask(task string)
	Done()
}

// NopProgress discards progress updates.
type NopProgress struct{}

func (NopProgress) SetTask(string) {}
func (NopProgress) Done()          {}

// Session is the part of a collaboration session a negotiation drives.
type Session interface {
	ID() string
	LocalUser() string
	Host() string
	IsHost() bool
	RemoteUsers() []string
	AddReferencePointMapping(id string, root *workspace.Root)
	EnableQueuing(root *workspace.Root)
	DisableQueuing(root *workspace.Root)
	UserStartedQueuing(user string)
	AddSharedResources(root *workspace.Root, id string, resources []string)
}

// SessionManager stops the running session.
type SessionManager interface {
	StopSession(reason session.StopReason)
}

// Transmitter sends protocol messages to the peer.
type Transmitter interface {
	SendMessage(message any) error
}

// Receiver hands out collectors for inbound packets.
type Receiver interface {
	CreateCollector(filter network.Filter) *network.Collector
}

// History persists negotiation runs. storage.Store implements it.
type History interface {
	RecordNegotiationStart(record storage.NegotiationRecord) error
	RecordNegotiationOutcome(negotiationID, status, origin, reason string) error
	RecordRootSummary(negotiationID string, summary storage.RootSummary) error
}

// TransferRequest describes the content a TransferCoordinator must deliver
// into the mapped roots.
type TransferRequest struct {
	SessionID     string
	NegotiationID string
	Peer          string
	Mapping       Mapping
	// Missing holds the files needed per root id.
	Missing map[string]*filelist.FileList
	// Remote holds the offered snapshot per root id, used to verify content.
	Remote map[string]*filelist.FileList

	await func(ctx context.Context, ready func() bool) error
}

// AwaitStart polls ready until it reports true. The poll is bounded and
// returns the negotiation's cancellation error when one is recorded.
func (r TransferRequest) AwaitStart(ctx context.Context, ready func() bool) error {
	if r.await == nil {
		if ready() {
			return nil
		}
		return fmt.Errorf("negotiation: transfer %s has no start signal", r.NegotiationID)
	}
	return r.await(ctx, ready)
}

// FileCount returns the total number of missing files across roots.
func (r TransferRequest) FileCount() int {
	count := 0
	for _, list := range r.Missing {
		count += len(list.Files())
	}
	return count
}

// TransferCoordinator delivers file content for an incoming negotiation.
type TransferCoordinator interface {
	// Setup registers transfer listeners before the manifest is sent.
	Setup(ctx context.Context, sessionID, negotiationID string) error
	Transfer(ctx context.Context, request TransferRequest) error
	// Teardown releases everything acquired by Setup. It is always called once.
	Teardown()
}

// validateRootID accepts ids usable as a single path element, since the
// receiving side may name a directory after one.
func validateRootID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("negotiation: empty root id")
	case id == "." || id == "..":
		return fmt.Errorf("negotiation: invalid root id %q", id)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("negotiation: root id %q contains a path separator", id)
	}
	return nil
}
