// Package fetch implements the fetch driver: ref listing, candidate
// selection, quickfetch, mark-complete seeding, negotiation, pack
// delivery, shallow commit, connectivity verification, ref updates and
// FETCH_HEAD composition, using plumbing/transport/negotiate for the
// have/ack exchange and plumbing/transport/connectivity for the
// post-fetch safety check.
package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dagsync/core/internal/trace"
	"github.com/dagsync/core/plumbing/fetchhead"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/shallow"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/connectivity"
	"github.com/dagsync/core/plumbing/transport/negotiate"
)

var log = trace.For("fetch")

// Options configures one fetch operation.
type Options struct {
	RefSpecs      []ref.RefSpec
	Tags          TagMode
	Depth         int
	DeepenSince   int64
	DeepenNot     []string
	Prune         bool
	Force         bool
	Atomic        bool
	Filter        string
	UpdateShallow bool
	URL           string
	RemoteName    string
}

// TagMode mirrors git's --tags handling.
type TagMode int

const (
	TagsDefault TagMode = iota
	TagsAll
	TagsNone
)

// Driver bundles the external collaborators a fetch needs: the
// transport, the object/ref store, the shallow tracker and the
// commit-graph view the negotiator walks.
type Driver struct {
	Transport    transport.Transport
	Store        storer.Storer
	Shallow      *shallow.Info
	ShallowStore storer.ShallowStorer
	PackWriter   storer.PackWriter
	Reachability storer.Reachability
	Graph        negotiate.CommitGraph
	HashAlgo     hash.Algorithm
}

// Result is the outcome of one fetch.
type Result struct {
	Updated     []*ref.Ref
	FetchHead   []fetchhead.Entry
	PrunedRefs  []string
	NewShallows []hash.ObjectID
}

// Run executes one fetch end to end.
func (d *Driver) Run(ctx context.Context, opts Options) (*Result, error) {
	// Step 1: get_refs.
	remoteRefs, err := d.Transport.GetRefs(ctx, transport.ListOptions{ForPush: false})
	if err != nil {
		return nil, fmt.Errorf("fetch: get_refs: %w", err)
	}
	remoteRefs = ref.ConsumePeeled(remoteRefs)

	// Step 2: select refs.
	candidates := ref.ExpandFetch(opts.RefSpecs, remoteRefs)
	if opts.Tags == TagsDefault && hasNonTagCandidate(candidates) {
		already := map[string]bool{}
		for _, c := range candidates {
			already[c.Remote.Name] = true
		}
		haveOrWant := func(id []byte) bool {
			oid := hash.ObjectID(id)
			if err := d.Store.HasEncodedObject(oid); err == nil {
				return true
			}
			for _, c := range candidates {
				if c.Remote.NewID.Equal(oid) {
					return true
				}
			}
			return false
		}
		candidates = append(candidates, ref.FindNonLocalTags(remoteRefs, candidates, haveOrWant)...)
	} else if opts.Tags == TagsAll {
		tagSpec := ref.TagsRefSpec
		for _, r := range remoteRefs {
			if dst, ok := tagSpec.Match(r.Name); ok {
				candidates = append(candidates, ref.FetchCandidate{Remote: r, Dst: dst, ForMerge: false, Explicit: false})
			}
		}
	}
	candidates = ref.DedupFetch(candidates)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("fetch: %w", transport.ErrRemoteRefNotMatched)
	}

	// Step 3: prune set (computed, deletion happens after success).
	var pruned []string
	if opts.Prune {
		pruned = d.computeStaleTrackingRefs(opts.RefSpecs, candidates)
	}

	// Step 4: mark complete.
	neg := negotiate.New(d.Graph, false)
	localTips, err := d.localRefTips()
	if err != nil {
		return nil, err
	}
	for _, t := range localTips {
		neg.MarkComplete(t)
	}

	var wants []hash.ObjectID
	for _, c := range candidates {
		wants = append(wants, c.Remote.NewID)
	}

	// Step 5: quickfetch.
	depthUnchanged := opts.Depth == 0 && len(d.Shallow.Roots()) == 0
	if depthUnchanged && d.Reachability != nil {
		ok, err := connectivity.Quickfetch(d.Reachability, wants, localTips)
		if err == nil && ok {
			log.Debug("quickfetch: all wants already reachable locally")
			return d.finishUpToDate(candidates, opts.URL)
		}
	}

	// Step 6: negotiate + fetch.
	req := &transport.FetchRequest{
		Wants:       wants,
		Depth:       opts.Depth,
		DeepenSince: opts.DeepenSince,
		DeepenNot:   opts.DeepenNot,
		Filter:      opts.Filter,
		IncludeTags: opts.Tags != TagsNone,
		Shallows:    d.Shallow.Snapshot(),
		Negotiator:  neg,
		PackWriter:  d.PackWriter,
	}
	resp, err := d.Transport.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	// Step 8: connectivity check.
	selfContained := resp.Stats != nil && resp.Stats.SelfContainedAndConnected
	if d.Reachability != nil {
		if err := connectivity.Verify(d.Reachability, wants, localTips, selfContained); err != nil {
			return nil, fmt.Errorf("fetch: connectivity: %w", err)
		}
	}

	// Handle shallow updates from the response (part of step 6/10).
	for _, s := range resp.Shallows {
		d.Shallow.AddShallow(s)
	}
	for _, u := range resp.Unshallows {
		d.Shallow.RemoveUnshallow(u)
	}

	// Step 9: update refs.
	result := &Result{PrunedRefs: pruned, NewShallows: resp.Shallows}
	for _, c := range candidates {
		updated, err := d.updateOne(c, opts.Force)
		if err != nil {
			return nil, err
		}
		if updated {
			result.Updated = append(result.Updated, &ref.Ref{Name: c.Dst, NewID: c.Remote.NewID, Status: c.Remote.Status})
		}
		status := ref.NotForMerge
		if c.ForMerge {
			status = ref.ForMerge
		}
		result.FetchHead = append(result.FetchHead, fetchhead.NewEntry(c.Remote, status, opts.URL))
	}

	// Step 10: commit shallow.
	if len(result.Updated) > 0 && d.ShallowStore != nil {
		if err := d.ShallowStore.SetShallow(d.Shallow.Snapshot()); err != nil {
			return nil, fmt.Errorf("fetch: commit shallow: %w", err)
		}
	}

	// Prune stale tracking refs now that the fetch succeeded.
	for _, name := range pruned {
		if err := d.Store.RemoveReference(name); err != nil {
			log.WithError(err).Warnf("prune: failed to remove %s", name)
		}
	}

	return result, nil
}

func hasNonTagCandidate(cs []ref.FetchCandidate) bool {
	for _, c := range cs {
		if !strings.HasPrefix(c.Remote.Name, "refs/tags/") {
			return true
		}
	}
	return false
}

func (d *Driver) localRefTips() ([]hash.ObjectID, error) {
	it, err := d.Store.IterReferences()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var tips []hash.ObjectID
	for {
		r, err := it.Next()
		if err != nil {
			break
		}
		if r.NewID != nil && !r.NewID.IsZero() {
			tips = append(tips, r.NewID)
		}
	}
	return tips, nil
}

// computeStaleTrackingRefs lists local refs inside the refspecs'
// destination namespace that no remote ref maps to anymore. Refs outside
// that namespace (local branches, other remotes' tracking refs) are
// never prune candidates.
func (d *Driver) computeStaleTrackingRefs(specs []ref.RefSpec, candidates []ref.FetchCandidate) []string {
	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[c.Dst] = true
	}

	it, err := d.Store.IterReferences()
	if err != nil {
		return nil
	}
	defer it.Close()

	var stale []string
	for {
		r, err := it.Next()
		if err != nil {
			break
		}
		if wanted[r.Name] {
			continue
		}
		for _, s := range specs {
			if s.MatchDst(r.Name) {
				stale = append(stale, r.Name)
				break
			}
		}
	}
	return stale
}

// updateOne applies the fast-forward/force policy to one selected
// candidate, returning whether the local ref changed.
func (d *Driver) updateOne(c ref.FetchCandidate, cliForce bool) (bool, error) {
	current, err := d.Store.Reference(c.Dst)
	notFound := err != nil

	if !notFound && current.NewID.Equal(c.Remote.NewID) {
		c.Remote.Status = ref.StatusUpToDate
		return false, nil
	}

	force := cliForce || c.Force

	// Tag updates that change the id are a distinct policy from ordinary
	// branch fast-forwards: allowed only with force, declared by the tag's
	// refspec or requested by the caller. A tag moving is never treated as
	// a fast-forward even when it technically is one (e.g. a lightweight
	// tag advanced to a descendant commit); only force admits it.
	if !notFound && ref.IsTag(c.Dst) {
		if !force {
			c.Remote.Status = ref.StatusRejectNeedsForce
			return false, nil
		}
		newRef := &ref.Ref{Name: c.Dst, NewID: c.Remote.NewID}
		if err := d.Store.SetReference(newRef); err != nil {
			return false, err
		}
		c.Remote.Status = ref.StatusOK
		return true, nil
	}

	ff := true
	if !notFound {
		ff = d.isAncestor(current.NewID, c.Remote.NewID)
	}

	switch {
	case notFound, ff, force:
		newRef := &ref.Ref{Name: c.Dst, NewID: c.Remote.NewID}
		if err := d.Store.SetReference(newRef); err != nil {
			return false, err
		}
		c.Remote.Status = ref.StatusOK
		return true, nil
	default:
		c.Remote.Status = ref.StatusRejectNonFastForward
		return false, nil
	}
}

// isAncestor is a thin wrapper over the Reachability seam: old is an
// ancestor of new iff new is reachable while excluding old's own tip is
// unnecessary; in practice this delegates to the object-store's
// connectivity/merge-base collaborator, named here as part of the
// Reachability interface's contract rather than re-implemented.
func (d *Driver) isAncestor(old, new hash.ObjectID) bool {
	if d.Reachability == nil {
		return false
	}
	err := d.Reachability.ReachableFrom([]hash.ObjectID{new}, []hash.ObjectID{old})
	return err == nil
}

func (d *Driver) finishUpToDate(candidates []ref.FetchCandidate, url string) (*Result, error) {
	result := &Result{}
	for _, c := range candidates {
		c.Remote.Status = ref.StatusUpToDate
		status := ref.NotForMerge
		if c.ForMerge {
			status = ref.ForMerge
		}
		result.FetchHead = append(result.FetchHead, fetchhead.NewEntry(c.Remote, status, url))
	}
	return result, nil
}
