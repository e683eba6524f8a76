// Package ref models the ref list exchanged between a transport and the
// fetch/push drivers: named pointers into the object store, their
// refspec-driven mapping rules, and the filtering/dedup/symref-resolution
// logic that turns a raw advertisement into the set of refs a driver
// acts on.
package ref

import (
	"strings"

	"github.com/dagsync/core/plumbing/hash"
)

// Status is the outcome recorded on a Ref once a fetch or push has decided
// what to do with it.
type Status string

const (
	StatusNone                  Status = ""
	StatusOK                    Status = "ok"
	StatusUpToDate              Status = "up-to-date"
	StatusRejectNonFastForward  Status = "rejected-non-fast-forward"
	StatusRejectAlreadyExists   Status = "rejected-already-exists"
	StatusRejectFetchFirst      Status = "rejected-fetch-first"
	StatusRejectNeedsForce      Status = "rejected-needs-force"
	StatusRejectStale           Status = "rejected-stale-lease"
	StatusRejectShallow         Status = "rejected-shallow"
	StatusRejectNoDelete        Status = "rejected-no-delete"
	StatusRejectRemoteUpdated   Status = "rejected-remote-updated"
	StatusRemoteReject          Status = "remote-rejected"
	StatusExpectingReport       Status = "expecting-report"
)

// FetchHeadStatus classifies how a fetched ref should be recorded in
// FETCH_HEAD.
type FetchHeadStatus int

const (
	NotForMerge FetchHeadStatus = iota
	ForMerge
	Ignore
)

// HeadName and the refs/ prefix every non-special ref name must carry.
const (
	HeadName   = "HEAD"
	RefsPrefix = "refs/"
	peeledSuffix = "^{}"
)

// Ref is one entry of a ref list: either side's view of a named pointer.
type Ref struct {
	Name   string
	OldID  hash.ObjectID
	NewID  hash.ObjectID
	// Peeled is the identifier an annotated tag resolves to, populated by
	// consuming the ref's "<name>^{}" advertisement entry. Zero-length
	// when Name is not a tag or the tag is not annotated.
	Peeled hash.ObjectID

	// PeerRef points at this ref's counterpart on the other side of the
	// operation (e.g. the local tracking ref a remote ref maps to). Go's
	// garbage collector makes a direct pointer safe here; no arena or
	// index indirection is needed to avoid dangling references.
	PeerRef *Ref

	// Symref is the target name this ref symbolically points to, or ""
	// if this is a direct reference.
	Symref string

	Force         bool
	ExpectOldID   *hash.ObjectID
	Status        Status
	RemoteStatus  string
	FetchHeadStatus FetchHeadStatus
}

// Deletion reports whether this ref update removes the ref (NewID is the
// zero identifier, or absent).
func (r *Ref) Deletion() bool {
	return len(r.NewID) == 0 || r.NewID.IsZero()
}

// IsSymbolic reports whether this ref is a symbolic pointer.
func (r *Ref) IsSymbolic() bool {
	return r.Symref != ""
}

// IsTag reports whether name lives under refs/tags/.
func IsTag(name string) bool {
	return strings.HasPrefix(name, "refs/tags/")
}

// IsPeeledEntry reports whether name is the synthetic "<tag>^{}" entry a
// server emits immediately after an annotated tag in its advertisement.
func IsPeeledEntry(name string) (base string, ok bool) {
	if !strings.HasSuffix(name, peeledSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, peeledSuffix), true
}

// List is an ordered collection of refs, indexed by name for O(1)
// lookup. It preserves the caller's original iteration order even after
// filtering.
type List struct {
	order []*Ref
	byName map[string]*Ref
}

// NewList returns an empty ref list.
func NewList() *List {
	return &List{byName: make(map[string]*Ref)}
}

// Add appends r to the list. It does not deduplicate; callers that need
// deduplication should run Dedup afterward.
func (l *List) Add(r *Ref) {
	l.order = append(l.order, r)
	l.byName[r.Name] = r
}

// Get returns the ref named name, or nil.
func (l *List) Get(name string) *Ref {
	return l.byName[name]
}

// All returns every ref in insertion order. The returned slice aliases the
// list's storage and must not be mutated by the caller.
func (l *List) All() []*Ref {
	return l.order
}

// Len returns the number of refs in the list.
func (l *List) Len() int { return len(l.order) }
