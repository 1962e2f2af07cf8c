// Package session keeps the in-memory state of one collaboration session:
// its participants, the shared roots registered under negotiation ids and the
// activity queues that hold local edits until a root is formally shared.
package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"projsync/logging"
	"projsync/workspace"
)

var (
	// ErrStopped indicates an operation on a session that has been stopped.
	ErrStopped = errors.New("session: stopped")
)

// Activity is one local edit generated against a shared root.
type Activity struct {
	RootKey string
	Path    string
	Kind    string
	Payload []byte
}

// Options configures a Session.
type Options struct {
	ID        string
	LocalUser string
	Host      string
	// Sink receives activities of shared roots. Nil drops them.
	Sink   func(Activity)
	Logger *zap.Logger
}

type sharedRoot struct {
	id        string
	root      *workspace.Root
	resources []string
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	localUser string
	host      string
	sink      func(Activity)
	logger    *zap.Logger

	mu           sync.Mutex
	remoteUsers  []string
	mappings     map[string]*workspace.Root
	queues       map[string][]Activity
	shared       map[string]sharedRoot
	queuingUsers map[string]bool
	stopped      bool
}

// New creates a session. A missing ID is generated; a missing Host makes the local user the host.
func New(options Options) *Session {
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.Host == "" {
		options.Host = options.LocalUser
	}
	return &Session{
		id:           options.ID,
		localUser:    options.LocalUser,
		host:         options.Host,
		sink:         options.Sink,
		logger:       logging.OrDefault(options.Logger),
		mappings:     make(map[string]*workspace.Root),
		queues:       make(map[string][]Activity),
		shared:       make(map[string]sharedRoot),
		queuingUsers: make(map[string]bool),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) LocalUser() string { return s.localUser }
func (s *Session) Host() string      { return s.host }
func (s *Session) IsHost() bool      { return s.localUser == s.host }

// RemoteUsers returns the remote participants in join order.
func (s *Session) RemoteUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remoteUsers...)
}

// AddRemoteUser registers a participant. Re-adding is a no-op.
func (s *Session) AddRemoteUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.remoteUsers {
		if existing == user {
			return
		}
	}
	s.remoteUsers = append(s.remoteUsers, user)
}

// RemoveRemoteUser drops a participant and its queuing flag.
func (s *Session) RemoveRemoteUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.remoteUsers {
		if existing == user {
			s.remoteUsers = append(s.remoteUsers[:i], s.remoteUsers[i+1:]...)
			break
		}
	}
	delete(s.queuingUsers, user)
}

// AddReferencePointMapping registers root under a negotiation-assigned id.
func (s *Session) AddReferencePointMapping(id string, root *workspace.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[id] = root
}

// RemoveReferencePointMapping drops the registration for id.
func (s *Session) RemoveReferencePointMapping(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, id)
}

// ReferencePoint returns the root registered under id.
func (s *Session) ReferencePoint(id string) (*workspace.Root, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.mappings[id]
	return root, ok
}

// EnableQueuing starts buffering activities for root.
func (s *Session) EnableQueuing(root *workspace.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[root.Key()]; !ok {
		s.queues[root.Key()] = []Activity{}
	}
}

// DisableQueuing stops buffering for root. Buffered activities are delivered
// when the root is shared and dropped otherwise.
func (s *Session) DisableQueuing(root *workspace.Root) {
	s.mu.Lock()
	queued, ok := s.queues[root.Key()]
	delete(s.queues, root.Key())
	_, isShared := s.shared[root.Key()]
	sink := s.sink
	s.mu.Unlock()

	if !ok || len(queued) == 0 {
		return
	}
	if !isShared || sink == nil {
		s.logger.Debug("dropping queued activities",
			logging.SessionID(s.id),
			logging.String("root", root.Key()),
			logging.Int("count", len(queued)),
		)
		return
	}
	for _, activity := range queued {
		sink(activity)
	}
}

// IsQueuing reports whether activities for root are currently buffered.
func (s *Session) IsQueuing(root *workspace.Root) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[root.Key()]
	return ok
}

// QueuedActivities returns the number of buffered activities for root.
func (s *Session) QueuedActivities(root *workspace.Root) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[root.Key()])
}

// Submit routes a local activity: buffered while its root is queuing,
// delivered when shared, dropped otherwise.
func (s *Session) Submit(activity Activity) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if queue, ok := s.queues[activity.RootKey]; ok {
		s.queues[activity.RootKey] = append(queue, activity)
		s.mu.Unlock()
		return nil
	}
	_, isShared := s.shared[activity.RootKey]
	sink := s.sink
	s.mu.Unlock()

	if isShared && sink != nil {
		sink(activity)
	}
	return nil
}

// UserStartedQueuing marks a remote user as already buffering activities.
func (s *Session) UserStartedQueuing(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuingUsers[user] = true
}

// HasUserStartedQueuing reports whether user was marked by UserStartedQueuing.
func (s *Session) HasUserStartedQueuing(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuingUsers[user]
}

// AddSharedResources marks root as shared under id. A nil resources slice
// shares the whole root; otherwise only the listed paths are shared.
func (s *Session) AddSharedResources(root *workspace.Root, id string, resources []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := sharedRoot{id: id, root: root}
	if resources != nil {
		entry.resources = append([]string{}, resources...)
		sort.Strings(entry.resources)
	}
	s.shared[root.Key()] = entry
}

// IsShared reports whether root has been added as shared.
func (s *Session) IsShared(root *workspace.Root) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.shared[root.Key()]
	return ok
}

// SharedResources returns the partially shared paths of root and whether
// the whole root is shared.
func (s *Session) SharedResources(root *workspace.Root) (resources []string, whole bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.shared[root.Key()]
	if !ok {
		return nil, false
	}
	if entry.resources == nil {
		return nil, true
	}
	return append([]string(nil), entry.resources...), false
}

// Stopped reports whether the session has been stopped.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	s.queues = make(map[string][]Activity)
	return true
}
