package negotiation

import (
	"fmt"
	"sort"

	"projsync/filelist"
	"projsync/metrics"
	"projsync/workspace"
)

// Operation is one structural mutation applied to a root.
type Operation struct {
	Op   string
	Path string
}

const (
	OpDelete = "delete"
	OpCreate = "create"
)

// SyncReport lists the mutations SyncStructure applied, in order.
type SyncReport struct {
	Operations []Operation
}

// Deleted counts the delete operations.
func (r SyncReport) Deleted() int {
	return r.count(OpDelete)
}

// Created counts the folder creations.
func (r SyncReport) Created() int {
	return r.count(OpCreate)
}

func (r SyncReport) count(op string) int {
	n := 0
	for _, o := range r.Operations {
		if o.Op == op {
			n++
		}
	}
	return n
}

// DeleteOrder returns the paths SyncStructure deletes, children before parents.
func DeleteOrder(diff filelist.Diff) []string {
	paths := make([]string, 0, len(diff.RemovedFiles)+len(diff.RemovedFolders))
	paths = append(paths, diff.RemovedFiles...)
	paths = append(paths, diff.RemovedFolders...)
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths
}

// SyncStructure applies the structural part of diff to root: removals first,
// deepest path first, then folder creation. Paths that are already gone or
// already present are skipped, so a second run is a no-op. The first I/O
// error stops the sync; mutations done so far stay in place.
func SyncStructure(root *workspace.Root, diff filelist.Diff) (SyncReport, error) {
	var report SyncReport

	for _, p := range DeleteOrder(diff) {
		deleted, err := root.Delete(p)
		if err != nil {
			return report, fmt.Errorf("delete %q: %w", p, err)
		}
		if deleted {
			report.Operations = append(report.Operations, Operation{Op: OpDelete, Path: p})
			metrics.RecordStructureOp(OpDelete)
		}
	}

	for _, p := range diff.AddedFolders {
		created, err := root.MkdirAll(p)
		if err != nil {
			return report, fmt.Errorf("create folder %q: %w", p, err)
		}
		if created {
			report.Operations = append(report.Operations, Operation{Op: OpCreate, Path: p})
			metrics.RecordStructureOp(OpCreate)
		}
	}

	return report, nil
}

// MissingFiles returns the files of diff whose content must be transferred,
// tagged with rootID. The list is empty, not nil, when nothing is needed.
func MissingFiles(rootID string, diff filelist.Diff) (*filelist.FileList, error) {
	list, err := filelist.FromPaths(diff.MissingPaths()...)
	if err != nil {
		return nil, fmt.Errorf("build missing file list for %q: %w", rootID, err)
	}
	return list.WithRootID(rootID), nil
}
