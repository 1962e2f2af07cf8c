package filelist

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation indicates a diff for a partial share implies local deletions.
var ErrInvariantViolation = errors.New("filelist: partial sharing cannot delete existing resources")

// Diff is the structural and content delta that turns a local snapshot into a remote one.
// All slices are sorted and pairwise disjoint.
type Diff struct {
	AddedFiles     []string
	RemovedFiles   []string
	AlteredFiles   []string
	AddedFolders   []string
	RemovedFolders []string
	Partial        bool
}

// ComputeDiff compares local against remote. With partial set the remote only
// describes a subset of the root, so local-only paths are never reported as removed.
func ComputeDiff(local, remote *FileList, partial bool) Diff {
	diff := Diff{Partial: partial}

	for _, entry := range remote.Entries() {
		localEntry, ok := local.Lookup(entry.Path)
		switch {
		case !ok && entry.IsDir():
			diff.AddedFolders = append(diff.AddedFolders, entry.Path)
		case !ok:
			diff.AddedFiles = append(diff.AddedFiles, entry.Path)
		case !entry.IsDir() && altered(localEntry, entry):
			diff.AlteredFiles = append(diff.AlteredFiles, entry.Path)
		}
	}

	if partial {
		return diff
	}

	for _, entry := range local.Entries() {
		if remote.Contains(entry.Path) {
			continue
		}
		if entry.IsDir() {
			diff.RemovedFolders = append(diff.RemovedFolders, entry.Path)
		} else {
			diff.RemovedFiles = append(diff.RemovedFiles, entry.Path)
		}
	}
	return diff
}

// altered compares two file entries. A checksum known on only one side cannot be
// verified and counts as a change; without checksums only sizes are compared.
func altered(local, remote Entry) bool {
	if local.Size != remote.Size {
		return true
	}
	if local.Checksum == "" && remote.Checksum == "" {
		return false
	}
	return local.Checksum != remote.Checksum
}

// IsEmpty reports whether applying the diff would change nothing.
func (d Diff) IsEmpty() bool {
	return len(d.AddedFiles) == 0 &&
		len(d.RemovedFiles) == 0 &&
		len(d.AlteredFiles) == 0 &&
		len(d.AddedFolders) == 0 &&
		len(d.RemovedFolders) == 0
}

// HasRemovals reports whether the diff schedules any local deletion.
func (d Diff) HasRemovals() bool {
	return len(d.RemovedFiles) > 0 || len(d.RemovedFolders) > 0
}

// CheckPartial rejects removals on a diff computed for a partial share.
func (d Diff) CheckPartial() error {
	if d.Partial && d.HasRemovals() {
		return fmt.Errorf("%w: %d file(s), %d folder(s) scheduled for removal",
			ErrInvariantViolation, len(d.RemovedFiles), len(d.RemovedFolders))
	}
	return nil
}

// MissingPaths returns the files whose content the local side still needs.
func (d Diff) MissingPaths() []string {
	out := make([]string, 0, len(d.AddedFiles)+len(d.AlteredFiles))
	out = append(out, d.AddedFiles...)
	out = append(out, d.AlteredFiles...)
	return out
}
