package session

import "sync/atomic"

// ReplacementTracker signals that shared files are being replaced wholesale,
// so watchers and editors can suppress conflicting filesystem access.
// Begin and End nest.
type ReplacementTracker struct {
	depth atomic.Int32
}

// Begin marks the start of a replacement.
func (t *ReplacementTracker) Begin() {
	t.depth.Add(1)
}

// End marks the end of a replacement started by Begin.
func (t *ReplacementTracker) End() {
	for {
		current := t.depth.Load()
		if current <= 0 {
			return
		}
		if t.depth.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// InProgress reports whether any replacement is running.
func (t *ReplacementTracker) InProgress() bool {
	return t.depth.Load() > 0
}
