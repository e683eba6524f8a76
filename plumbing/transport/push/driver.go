// Package push implements the push driver: match refs, compute per-ref
// rejection reasons, drive pack delivery and parse the status report.
// Rejections (non-fast-forward, stale lease, fetch-first, no-delete)
// are computed locally before anything is sent, so an atomic push can
// abort without network I/O.
package push

import (
	"context"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/dagsync/core/internal/trace"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
)

var log = trace.For("push")

// Options configures one push operation.
type Options struct {
	RefSpecs          []ref.RefSpec
	All               bool
	Mirror            bool
	PushTags          bool
	Force             bool
	Atomic            bool
	Thin              bool
	ForceWithLease     map[string]hash.ObjectID // dst name -> expected old id
	ForceIfIncludesRef map[string]hash.ObjectID // dst name -> upstream tracking tip
	PushOptions       []string

	// CertMode, Signer, Pusher and PusheeURL configure signed push.
	// Signer is nil unless CertMode != CertNever.
	CertMode  CertMode
	Signer    *openpgp.Entity
	Pusher    string
	PusheeURL string
}

// Driver bundles the collaborators a push needs.
type Driver struct {
	Transport    transport.Transport
	Store        storer.Storer
	PackReader   storer.PackReader
	Reachability storer.Reachability
}

// Match is one matched local/remote ref pair before rejection analysis.
type Match struct {
	Local  *ref.Ref
	Remote *ref.Ref // nil for a brand-new ref
	Dst    string
	Delete bool
}

// Run executes one push end to end.
func (d *Driver) Run(ctx context.Context, opts Options) ([]*ref.Ref, error) {
	// Step 1: get_refs.
	remoteRefs, err := d.Transport.GetRefs(ctx, transport.ListOptions{ForPush: true})
	if err != nil {
		return nil, fmt.Errorf("push: get_refs: %w", err)
	}

	specs := d.effectiveRefSpecs(opts)

	// Step 2: match refs.
	matches, err := d.matchRefs(specs, remoteRefs, opts)
	if err != nil {
		return nil, err
	}

	// Step 3-4: classify + compute rejection.
	caps := d.Transport.Capabilities()
	out := make([]*ref.Ref, 0, len(matches))
	anyRejected := false
	for _, m := range matches {
		r := d.buildOutgoingRef(m, opts, caps)
		out = append(out, r)
		if isReject(r.Status) {
			anyRejected = true
		}
	}

	// Step 5: atomic abort.
	if opts.Atomic && anyRejected {
		for _, r := range out {
			if !isReject(r.Status) {
				r.Status = ref.StatusNone
			}
		}
		log.Warn("atomic push aborted: at least one ref rejected locally")
		return out, nil
	}

	toSend := make([]*ref.Ref, 0, len(out))
	for _, r := range out {
		if !isReject(r.Status) && r.Status != ref.StatusUpToDate {
			toSend = append(toSend, r)
		}
	}
	if len(toSend) == 0 {
		return out, nil
	}

	// Step 6-7: send request + pack.
	req := &transport.PushRequest{
		Refs:        toSend,
		Atomic:      opts.Atomic,
		Thin:        opts.Thin,
		PushOptions: opts.PushOptions,
	}
	if d.PackReader != nil {
		req.Packfile = d.packfileFunc(toSend)
	}

	if opts.CertMode != CertNever {
		nonce := caps.Value(capability.PushCert)
		switch {
		case nonce == "" && opts.CertMode == CertAlways:
			return out, ErrPushCertRequired
		case nonce == "":
			// CertIfAsked and the remote never asked; proceed unsigned.
		default:
			cert, err := buildCert(opts.Signer, opts.Pusher, opts.PusheeURL, nonce, opts.PushOptions, toSend)
			if err != nil {
				return out, err
			}
			req.Cert = cert
		}
	}

	if _, err := d.Transport.Push(ctx, req); err != nil {
		return out, fmt.Errorf("push: %w", err)
	}

	// Step 8: status report parsing happens inside Transport.Push, which
	// mutates r.Status/r.RemoteStatus directly on the Ref values in
	// req.Refs (aliases of toSend, which alias out).

	// Step 9: update local tracking refs.
	for _, r := range toSend {
		if r.Status != ref.StatusOK {
			continue
		}
		if r.PeerRef == nil {
			continue
		}
		if err := d.Store.SetReference(&ref.Ref{Name: r.PeerRef.Name, NewID: r.NewID}); err != nil {
			log.WithError(err).Warnf("failed to update tracking ref %s", r.PeerRef.Name)
		}
	}

	return out, nil
}

func (d *Driver) effectiveRefSpecs(opts Options) []ref.RefSpec {
	specs := append([]ref.RefSpec(nil), opts.RefSpecs...)
	if opts.All {
		specs = append(specs, ref.AllBranchesRefSpec)
	}
	if opts.Mirror {
		specs = append(specs, ref.MirrorRefSpec)
	}
	if opts.PushTags {
		specs = append(specs, ref.TagsRefSpec)
	}
	return specs
}

func (d *Driver) matchRefs(specs []ref.RefSpec, remoteRefs []*ref.Ref, opts Options) ([]Match, error) {
	var matches []Match

	localIt, err := d.Store.IterReferences()
	if err != nil {
		return nil, err
	}
	defer localIt.Close()

	var locals []*ref.Ref
	for {
		r, err := localIt.Next()
		if err != nil {
			break
		}
		locals = append(locals, r)
	}

	remoteByName := make(map[string]*ref.Ref, len(remoteRefs))
	for _, r := range remoteRefs {
		remoteByName[r.Name] = r
	}

	seenDst := map[string]bool{}
	for _, spec := range specs {
		if spec.IsDelete() {
			continue
		}
		for _, l := range locals {
			dst, ok := spec.Match(l.Name)
			if !ok || dst == "" || seenDst[dst] {
				continue
			}
			seenDst[dst] = true
			matches = append(matches, Match{Local: l, Remote: remoteByName[dst], Dst: dst})
		}
	}

	if opts.Mirror {
		for _, r := range remoteRefs {
			hasLocal := false
			for _, m := range matches {
				if m.Dst == r.Name {
					hasLocal = true
					break
				}
			}
			if !hasLocal {
				matches = append(matches, Match{Remote: r, Dst: r.Name, Delete: true})
			}
		}
	}

	return matches, nil
}

func (d *Driver) buildOutgoingRef(m Match, opts Options, caps *capability.List) *ref.Ref {
	r := &ref.Ref{Name: m.Dst}
	if m.Remote != nil {
		r.OldID = m.Remote.NewID
	}

	if m.Delete {
		if !caps.Supports(capability.DeleteRefs) {
			r.Status = ref.StatusRejectNoDelete
			return r
		}
		r.Status = ref.StatusOK
		return r
	}

	r.NewID = m.Local.NewID
	r.PeerRef = m.Local

	if m.Remote == nil || m.Remote.NewID.IsZero() {
		r.Status = ref.StatusOK
		return r
	}
	if r.NewID.Equal(r.OldID) {
		r.Status = ref.StatusUpToDate
		return r
	}

	if lease, ok := opts.ForceWithLease[m.Dst]; ok {
		if !lease.Equal(r.OldID) {
			r.Status = ref.StatusRejectStale
			return r
		}
		if up, ok2 := opts.ForceIfIncludesRef[m.Dst]; ok2 {
			if d.Reachability != nil && d.Reachability.ReachableFrom([]hash.ObjectID{r.NewID}, []hash.ObjectID{up}) != nil {
				r.Status = ref.StatusRejectStale
				return r
			}
		}
		r.Status = ref.StatusOK
		return r
	}

	haveOld := d.Store.HasEncodedObject(r.OldID) == nil
	if !haveOld {
		r.Status = ref.StatusRejectFetchFirst
		return r
	}

	ff := d.Reachability == nil || d.Reachability.ReachableFrom([]hash.ObjectID{r.NewID}, []hash.ObjectID{r.OldID}) == nil
	force := opts.Force || m.Local.Force
	switch {
	case ff, force:
		r.Status = ref.StatusOK
	default:
		r.Status = ref.StatusRejectNonFastForward
	}
	return r
}

func isReject(s ref.Status) bool {
	switch s {
	case ref.StatusRejectNonFastForward, ref.StatusRejectAlreadyExists,
		ref.StatusRejectFetchFirst, ref.StatusRejectNeedsForce,
		ref.StatusRejectStale, ref.StatusRejectShallow,
		ref.StatusRejectNoDelete, ref.StatusRejectRemoteUpdated:
		return true
	default:
		return false
	}
}

func (d *Driver) packfileFunc(toSend []*ref.Ref) func() ([]byte, error) {
	return func() ([]byte, error) {
		var wants, haves []hash.ObjectID
		for _, r := range toSend {
			if !r.NewID.IsZero() {
				wants = append(wants, r.NewID)
			}
			if !r.OldID.IsZero() {
				haves = append(haves, r.OldID)
			}
		}
		rc, err := d.PackReader.Objects(wants, haves, true)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
}
