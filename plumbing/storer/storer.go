// Package storer defines the external-collaborator seams this module
// drives but never implements: object presence/retrieval, ref storage,
// shallow persistence, pack writing/reading and reachability traversal.
// The object store, ref store, and hashing itself all live outside this
// module; this package is the interface boundary at which that scope
// cut happens.
package storer

import (
	"io"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
)

// EncodedObjectStorer is the read side of the object store: presence
// checks and raw object retrieval, enough for the connectivity verifier
// and quickfetch to reason about what is already local.
type EncodedObjectStorer interface {
	HasEncodedObject(hash.ObjectID) error
	EncodedObjectSize(hash.ObjectID) (int64, error)
	IterEncodedObjects() (ObjectIter, error)
}

// ObjectIter iterates object identifiers known to the store.
type ObjectIter interface {
	Next() (hash.ObjectID, error)
	Close()
}

// ReferenceStorer is the ref store: named pointers, resolved or symbolic.
type ReferenceStorer interface {
	Reference(name string) (*ref.Ref, error)
	SetReference(r *ref.Ref) error
	RemoveReference(name string) error
	IterReferences() (ReferenceIter, error)
}

// ReferenceIter iterates the refs currently in the store.
type ReferenceIter interface {
	Next() (*ref.Ref, error)
	Close()
}

// ShallowStorer persists the shallow boundary. plumbing/shallow.Store does
// not implement it; that type exposes its own Load/Lock/Commit/Rollback
// API over the repository's shallow file.
type ShallowStorer interface {
	SetShallow([]hash.ObjectID) error
	Shallow() ([]hash.ObjectID, error)
}

// PackStats summarizes a pack applied to the object store.
type PackStats struct {
	ReceivedObjects int
	ReceivedBytes   int64
	LocalObjects    int
	// SelfContainedAndConnected, when true, lets the fetch driver skip the
	// separate connectivity check.
	SelfContainedAndConnected bool
	// KeepPath is the pack lockfile path, if the receiver was asked to
	// keep the pack ("<objdir>/pack/pack-<hex>.keep").
	KeepPath string
}

// PackWriteOptions configures how an incoming pack is applied.
type PackWriteOptions struct {
	// Keep requests a .keep lockfile be left behind instead of unlinked
	// after the operation commits.
	Keep bool
	// Thin indicates the pack may reference base objects outside itself
	// that the receiver must resolve against the local store.
	Thin bool
	// MaxObjects switches the receiver to an index-pack-equivalent path
	// once exceeded, rather than unpacking each object loose.
	MaxObjects int
}

// PackWriter is the pack-receiver seam: index-pack/unpack-objects
// equivalent, invoked by the fetch driver with the raw pack byte stream.
type PackWriter interface {
	WritePack(r io.Reader, opts PackWriteOptions) (*PackStats, error)
}

// PackReader is the pack-sender seam used by the push driver: produces a
// pack containing objects reachable from wants but not from haves.
type PackReader interface {
	Objects(wants, haves []hash.ObjectID, thin bool) (io.ReadCloser, error)
}

// Reachability is the connectivity-check seam (component J): verifies
// every id in tips is locally reachable, treating exclude as already
// known-good boundary commits (e.g. other local ref tips).
type Reachability interface {
	ReachableFrom(tips []hash.ObjectID, exclude []hash.ObjectID) error
}

// Storer bundles the object and reference seams.
type Storer interface {
	EncodedObjectStorer
	ReferenceStorer
}
