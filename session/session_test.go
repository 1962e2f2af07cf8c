package session

import (
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projsync/workspace"
)

func TestHostDefaultsToLocalUser(t *testing.T) {
	s := New(Options{LocalUser: "alice"})
	assert.True(t, s.IsHost())
	assert.NotEmpty(t, s.ID())

	guest := New(Options{LocalUser: "bob", Host: "alice"})
	assert.False(t, guest.IsHost())
	assert.Equal(t, "alice", guest.Host())
}

func TestRemoteUsersKeepJoinOrder(t *testing.T) {
	s := New(Options{LocalUser: "alice"})
	s.AddRemoteUser("bob")
	s.AddRemoteUser("carol")
	s.AddRemoteUser("bob")
	assert.Equal(t, []string{"bob", "carol"}, s.RemoteUsers())

	s.UserStartedQueuing("bob")
	s.RemoveRemoteUser("bob")
	assert.Equal(t, []string{"carol"}, s.RemoteUsers())
	assert.False(t, s.HasUserStartedQueuing("bob"))
}

func TestQueuedActivitiesFlushOnlyForSharedRoots(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []Activity
	)
	s := New(Options{LocalUser: "alice", Sink: func(a Activity) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, a)
	}})

	shared := workspace.NewRoot("shared", memfs.New())
	unshared := workspace.NewRoot("unshared", memfs.New())
	s.EnableQueuing(shared)
	s.EnableQueuing(unshared)

	require.NoError(t, s.Submit(Activity{RootKey: "shared", Path: "a.txt", Kind: "edit"}))
	require.NoError(t, s.Submit(Activity{RootKey: "unshared", Path: "b.txt", Kind: "edit"}))
	assert.Equal(t, 1, s.QueuedActivities(shared))
	assert.Empty(t, delivered)

	s.AddSharedResources(shared, "root-1", nil)
	s.DisableQueuing(shared)
	s.DisableQueuing(unshared)

	assert.False(t, s.IsQueuing(shared))
	require.Len(t, delivered, 1)
	assert.Equal(t, "a.txt", delivered[0].Path)

	require.NoError(t, s.Submit(Activity{RootKey: "shared", Path: "c.txt"}))
	assert.Len(t, delivered, 2)
}

func TestAddSharedResourcesPartial(t *testing.T) {
	s := New(Options{LocalUser: "alice"})
	root := workspace.NewRoot("r", memfs.New())

	s.AddSharedResources(root, "root-1", []string{"src/b.go", "src/a.go"})
	resources, whole := s.SharedResources(root)
	assert.False(t, whole)
	assert.Equal(t, []string{"src/a.go", "src/b.go"}, resources)

	s.AddSharedResources(root, "root-1", nil)
	_, whole = s.SharedResources(root)
	assert.True(t, whole)
}

func TestReferencePointMapping(t *testing.T) {
	s := New(Options{LocalUser: "alice"})
	root := workspace.NewRoot("r", memfs.New())

	s.AddReferencePointMapping("root-1", root)
	got, ok := s.ReferencePoint("root-1")
	require.True(t, ok)
	assert.Same(t, root, got)

	s.RemoveReferencePointMapping("root-1")
	_, ok = s.ReferencePoint("root-1")
	assert.False(t, ok)
}

func TestManagerStopSessionRunsCallbacksOnce(t *testing.T) {
	m := NewManager(nil)
	s := New(Options{LocalUser: "bob", Host: "alice"})
	m.Start(s)

	var reasons []StopReason
	m.OnStop(func(_ *Session, reason StopReason) {
		reasons = append(reasons, reason)
	})

	m.StopSession(StopLocalUserLeft)
	m.StopSession(StopLocalUserLeft)

	assert.Equal(t, []StopReason{StopLocalUserLeft}, reasons)
	assert.True(t, s.Stopped())
	assert.Nil(t, m.Session())
	assert.ErrorIs(t, s.Submit(Activity{RootKey: "x"}), ErrStopped)
}

func TestReplacementTrackerNests(t *testing.T) {
	var tracker ReplacementTracker
	assert.False(t, tracker.InProgress())

	tracker.Begin()
	tracker.Begin()
	tracker.End()
	assert.True(t, tracker.InProgress())
	tracker.End()
	assert.False(t, tracker.InProgress())

	tracker.End()
	assert.False(t, tracker.InProgress())
}
