// Package shallow tracks the shallow-clone boundary of a repository: the
// set of commits whose parents are intentionally absent locally, and the
// atomic commit/rollback of that set across a fetch.
package shallow

import (
	"sync"

	"github.com/dagsync/core/plumbing/hash"
)

// Info is a set of shallow commit identifiers, classified per the
// ours/theirs/shallow vectors the negotiation protocol uses when both
// sides are shallow-aware.
type Info struct {
	mu sync.RWMutex
	// set is the authoritative boundary: every commit in it is a shallow
	// root (its parents are intentionally missing).
	set map[string]bool

	// Ours lists roots the client already had before this fetch.
	Ours []hash.ObjectID
	// Theirs lists roots the remote reports as its own boundary.
	Theirs []hash.ObjectID
	// Shallow lists roots newly added by the current exchange.
	Shallow []hash.ObjectID
}

// NewInfo returns shallow tracking state seeded with the given boundary
// (the repository's current "shallow" file contents, if any).
func NewInfo(roots []hash.ObjectID) *Info {
	s := &Info{set: make(map[string]bool, len(roots))}
	for _, r := range roots {
		s.set[string(r)] = true
	}
	return s
}

// Roots returns every identifier currently marked as a shallow boundary,
// in no particular order.
func (i *Info) Roots() []hash.ObjectID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]hash.ObjectID, 0, len(i.set))
	for k := range i.set {
		out = append(out, hash.ObjectID(k))
	}
	return out
}

// IsShallow reports whether id is currently a shallow boundary.
func (i *Info) IsShallow(id hash.ObjectID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.set[string(id)]
}

// AddShallow records a newly received "shallow <id>" line from the remote.
func (i *Info) AddShallow(id hash.ObjectID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.set[string(id)] = true
}

// RemoveUnshallow processes an "unshallow <id>" line: id's ancestors were
// included in the pack, so it is no longer a boundary. The caller must
// have already verified id is now fully parseable before calling this.
func (i *Info) RemoveUnshallow(id hash.ObjectID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.set, string(id))
}

// Snapshot returns a copy of the current boundary, suitable for
// writing to the persisted shallow file.
func (i *Info) Snapshot() []hash.ObjectID {
	return i.Roots()
}

// Equal compares two boundary sets irrespective of order.
func Equal(a, b []hash.ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[string(id)] = true
	}
	for _, id := range b {
		if !set[string(id)] {
			return false
		}
	}
	return true
}
