// Package filelist models project snapshots exchanged during negotiation and
// computes the difference between a local and a remote snapshot.
package filelist

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	// DirSeparator terminates folder entries and separates path elements.
	DirSeparator = "/"
	// MetadataDir is reserved inside every shared root for local bookkeeping
	// and never appears in a FileList.
	MetadataDir = ".projsync"
)

var (
	// ErrInvalidPath indicates an entry path that is empty, absolute or escapes the root.
	ErrInvalidPath = errors.New("filelist: invalid path")
)

// Entry is one relative path of a snapshot. Folder paths end with DirSeparator.
type Entry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// IsDir reports whether the entry denotes a folder.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(e.Path, DirSeparator)
}

// FileList is an immutable, ordered and deduplicated snapshot of a shared root.
type FileList struct {
	rootID  string
	entries []Entry
	index   map[string]int
}

type wireFileList struct {
	RootID  string  `json:"root_id,omitempty"`
	Entries []Entry `json:"entries"`
}

// New builds a FileList from entries. Entries are sorted by path, duplicate
// paths keep their first occurrence and every ancestor folder of a file is
// added as an explicit folder entry.
func New(entries ...Entry) (*FileList, error) {
	byPath := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		normalized, err := normalizePath(entry.Path)
		if err != nil {
			return nil, err
		}
		entry.Path = normalized
		if entry.IsDir() {
			entry.Size = 0
			entry.Checksum = ""
		}
		if _, exists := byPath[entry.Path]; !exists {
			byPath[entry.Path] = entry
		}
		for _, parent := range ancestors(entry.Path) {
			if _, exists := byPath[parent]; !exists {
				byPath[parent] = Entry{Path: parent}
			}
		}
	}

	list := &FileList{
		entries: make([]Entry, 0, len(byPath)),
		index:   make(map[string]int, len(byPath)),
	}
	for _, entry := range byPath {
		list.entries = append(list.entries, entry)
	}
	sort.Slice(list.entries, func(i, j int) bool {
		return list.entries[i].Path < list.entries[j].Path
	})
	for i, entry := range list.entries {
		list.index[entry.Path] = i
	}
	return list, nil
}

// MustNew is New for fixtures known to be valid.
func MustNew(entries ...Entry) *FileList {
	list, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return list
}

// FromPaths builds a FileList of bare paths without metadata.
func FromPaths(paths ...string) (*FileList, error) {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Entry{Path: p})
	}
	return New(entries...)
}

// Empty returns a FileList without entries.
func Empty() *FileList {
	return &FileList{index: map[string]int{}}
}

// WithRootID returns a copy of the list tagged with the given shared root id.
func (l *FileList) WithRootID(rootID string) *FileList {
	out := l.clone()
	out.rootID = rootID
	return out
}

// RootID returns the shared root id the list is tagged with, if any.
func (l *FileList) RootID() string {
	if l == nil {
		return ""
	}
	return l.rootID
}

// Len returns the number of entries, folders included.
func (l *FileList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// IsEmpty reports whether the list has no entries.
func (l *FileList) IsEmpty() bool {
	return l.Len() == 0
}

// Entries returns a copy of all entries in path order.
func (l *FileList) Entries() []Entry {
	if l == nil {
		return nil
	}
	return append([]Entry(nil), l.entries...)
}

// Paths returns every entry path in order.
func (l *FileList) Paths() []string {
	if l == nil {
		return nil
	}
	paths := make([]string, 0, len(l.entries))
	for _, entry := range l.entries {
		paths = append(paths, entry.Path)
	}
	return paths
}

// Files returns the paths of file entries only.
func (l *FileList) Files() []string {
	if l == nil {
		return nil
	}
	var paths []string
	for _, entry := range l.entries {
		if !entry.IsDir() {
			paths = append(paths, entry.Path)
		}
	}
	return paths
}

// Lookup returns the entry stored for path.
func (l *FileList) Lookup(p string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	i, ok := l.index[p]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i], true
}

// Contains reports whether path is part of the list.
func (l *FileList) Contains(p string) bool {
	_, ok := l.Lookup(p)
	return ok
}

// TotalSize sums the sizes of all file entries.
func (l *FileList) TotalSize() int64 {
	if l == nil {
		return 0
	}
	var total int64
	for _, entry := range l.entries {
		total += entry.Size
	}
	return total
}

// MarshalJSON encodes the list in its wire form.
func (l *FileList) MarshalJSON() ([]byte, error) {
	wire := wireFileList{Entries: []Entry{}}
	if l != nil {
		wire.RootID = l.rootID
		if len(l.entries) > 0 {
			wire.Entries = l.entries
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes and re-validates a list received from a peer.
func (l *FileList) UnmarshalJSON(data []byte) error {
	var wire wireFileList
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode file list: %w", err)
	}
	decoded, err := New(wire.Entries...)
	if err != nil {
		return err
	}
	decoded.rootID = wire.RootID
	*l = *decoded
	return nil
}

func (l *FileList) clone() *FileList {
	out := Empty()
	if l == nil {
		return out
	}
	out.rootID = l.rootID
	out.entries = append([]Entry(nil), l.entries...)
	for k, v := range l.index {
		out.index[k] = v
	}
	return out
}

func normalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", DirSeparator)
	if p == "" || strings.HasPrefix(p, DirSeparator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	dir := strings.HasSuffix(p, DirSeparator)
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if cleaned == MetadataDir || strings.HasPrefix(cleaned, MetadataDir+DirSeparator) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidPath, p)
	}
	if dir {
		cleaned += DirSeparator
	}
	return cleaned, nil
}

func ancestors(p string) []string {
	trimmed := strings.TrimSuffix(p, DirSeparator)
	var out []string
	for {
		i := strings.LastIndex(trimmed, DirSeparator)
		if i < 0 {
			return out
		}
		trimmed = trimmed[:i]
		out = append(out, trimmed+DirSeparator)
	}
}
