package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenValidatesDirectory(t *testing.T) {
	dir := t.TempDir()
	root, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, root.Exists())

	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = Open(file)
	assert.True(t, errors.Is(err, ErrNotDirectory))

	_, err = Open(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestExistsTracksRemovedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.Mkdir(dir, 0o755))
	root, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, root.Exists())
	assert.False(t, (*Root)(nil).Exists())
}

func TestDeleteMovesFileToHistory(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "dir/old.txt", []byte("keep me"), 0o644))
	root := NewRoot("mem", fs)

	deleted, err := root.Delete("dir/old.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := root.PathExists("dir/old.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := fs.ReadDir(HistoryDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	saved, err := util.ReadFile(fs, filepath.ToSlash(filepath.Join(HistoryDir(), entries[0].Name(), "dir", "old.txt")))
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(saved))
}

func TestDeleteIsConditionalOnExistence(t *testing.T) {
	root := NewRoot("mem", memfs.New())

	deleted, err := root.Delete("nothing/here.txt")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteEmptyFolderRemovesIt(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("empty", 0o755))
	root := NewRoot("mem", fs)

	deleted, err := root.Delete("empty/")
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := root.PathExists("empty/")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMkdirAllReportsCreation(t *testing.T) {
	fs := memfs.New()
	root := NewRoot("mem", fs)

	created, err := root.MkdirAll("a/b/")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = root.MkdirAll("a/b/")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, util.WriteFile(fs, "file.txt", nil, 0o644))
	_, err = root.MkdirAll("file.txt")
	assert.True(t, errors.Is(err, ErrNotDirectory))
}

func TestRejectsEscapingPaths(t *testing.T) {
	root := NewRoot("mem", memfs.New())
	for _, p := range []string{"", "/etc", "../x", "a/../../x"} {
		_, err := root.Delete(p)
		assert.True(t, errors.Is(err, ErrInvalidPath), "path %q", p)
	}
}
