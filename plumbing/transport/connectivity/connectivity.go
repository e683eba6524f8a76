// Package connectivity implements the connectivity verifier: after a
// fetch, confirm every new ref tip is traversable to objects already
// present locally, including via the newly received pack.
//
// The traversal itself is an external collaborator
// (storer.Reachability): the wanted tips are its positive arguments and
// local refs its negative ones, so the walk stops at history both sides
// already share.
package connectivity

import (
	"fmt"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/storer"
)

// ErrNotConnected is returned when Verify finds an object unreachable
// from the local store.
type ErrNotConnected struct {
	Missing hash.ObjectID
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("connectivity: %s is not locally reachable", e.Missing.String())
}

// Verify checks that every id in tips is reachable given the objects
// already known via exclude (typically every other local ref tip, so the
// traversal doesn't have to walk full history again). shortCircuit, when
// true, skips the check entirely, set by the fetch driver when the pack
// receiver already reported "self-contained-and-connected".
func Verify(rc storer.Reachability, tips, exclude []hash.ObjectID, shortCircuit bool) error {
	if shortCircuit {
		return nil
	}
	if len(tips) == 0 {
		return nil
	}
	return rc.ReachableFrom(tips, exclude)
}

// Quickfetch reports whether every id in wants is already reachable
// locally: if so, the fetch can
// skip the network round entirely. It returns ok=true and a nil error
// only when the traversal succeeds without needing any new objects.
func Quickfetch(rc storer.Reachability, wants, localRefs []hash.ObjectID) (ok bool, err error) {
	if len(wants) == 0 {
		return true, nil
	}
	if err := rc.ReachableFrom(wants, localRefs); err != nil {
		return false, nil //nolint:nilerr // unreachable just means "not a quickfetch", not a hard failure
	}
	return true, nil
}
