package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projsync/filelist"
	"projsync/workspace"
)

func TestDeleteOrderRemovesChildrenFirst(t *testing.T) {
	diff := filelist.Diff{
		RemovedFiles:   []string{"dir/a.txt", "dir/sub/b.txt"},
		RemovedFolders: []string{"dir/", "dir/sub/"},
	}

	assert.Equal(t, []string{"dir/sub/b.txt", "dir/sub/", "dir/a.txt", "dir/"}, DeleteOrder(diff))
}

func TestSyncStructureAppliesDiffAndIsIdempotent(t *testing.T) {
	root := memRoot(t, "/work/project", map[string]string{
		"dir/a.txt":     "a",
		"dir/sub/b.txt": "b",
		"keep.txt":      "keep",
	})
	diff := filelist.Diff{
		RemovedFiles:   []string{"dir/a.txt", "dir/sub/b.txt"},
		RemovedFolders: []string{"dir/", "dir/sub/"},
		AddedFolders:   []string{"docs/", "docs/api/"},
	}

	report, err := SyncStructure(root, diff)
	require.NoError(t, err)
	assert.Equal(t, []Operation{
		{Op: OpDelete, Path: "dir/sub/b.txt"},
		{Op: OpDelete, Path: "dir/sub/"},
		{Op: OpDelete, Path: "dir/a.txt"},
		{Op: OpDelete, Path: "dir/"},
		{Op: OpCreate, Path: "docs/"},
		{Op: OpCreate, Path: "docs/api/"},
	}, report.Operations)
	assert.Equal(t, 4, report.Deleted())
	assert.Equal(t, 2, report.Created())

	for p, want := range map[string]bool{"dir": false, "keep.txt": true, "docs/api": true} {
		exists, err := root.PathExists(p)
		require.NoError(t, err)
		assert.Equal(t, want, exists, p)
	}

	again, err := SyncStructure(root, diff)
	require.NoError(t, err)
	assert.Empty(t, again.Operations)
}

func TestSyncStructureKeepsDeletedFilesInHistory(t *testing.T) {
	root := memRoot(t, "/work/project", map[string]string{"old.txt": "old"})

	_, err := SyncStructure(root, filelist.Diff{RemovedFiles: []string{"old.txt"}})
	require.NoError(t, err)

	history, err := root.FS().ReadDir(workspace.HistoryDir())
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSyncStructureStopsAtFirstError(t *testing.T) {
	root := memRoot(t, "/work/project", map[string]string{"docs": "a file where a folder should go"})

	report, err := SyncStructure(root, filelist.Diff{AddedFolders: []string{"a/", "docs/", "z/"}})
	require.ErrorIs(t, err, workspace.ErrNotDirectory)
	assert.Equal(t, []Operation{{Op: OpCreate, Path: "a/"}}, report.Operations)

	exists, err := root.PathExists("z")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMissingFilesIsExplicitlyEmpty(t *testing.T) {
	list, err := MissingFiles("root-1", filelist.Diff{})
	require.NoError(t, err)
	require.NotNil(t, list)
	assert.True(t, list.IsEmpty())
	assert.Equal(t, "root-1", list.RootID())

	list, err = MissingFiles("root-1", filelist.Diff{
		AddedFiles:   []string{"src/new.go"},
		AlteredFiles: []string{"README.md"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"README.md", "src/new.go"}, list.Files())
}
