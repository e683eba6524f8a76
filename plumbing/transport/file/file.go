// Package file implements the bundle reader and local filesystem
// shortcut transports, the two transport kinds that never touch the
// network.
//
// Neither kind re-implements the object store or ref store. The local
// shortcut is handed a RemoteRepo, built from seams plumbing/storer
// already defines (EncodedObjectStorer, ReferenceStorer, PackReader,
// PackWriter), rather than reading loose refs or pack files off disk
// itself; a Loader resolves an Endpoint to a RemoteRepo the way a network
// transport resolves a URL to a connection. The bundle reader opens the
// bundle file itself through a billy.Filesystem and consults a local
// EncodedObjectStorer only to check the bundle's prerequisites.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/dagsync/core/internal/trace"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/client"
)

var log = trace.For("transport/file")

func init() {
	client.InstallProtocol("file", NewLocalTransport(nil))
}

// RemoteRepo is the set of external-collaborator seams a local-shortcut
// or bundle transport needs from "the other side": object presence and
// retrieval, ref reads, a pack producer for the fetch direction and a
// pack consumer plus ref writer for the push direction. A caller wires
// its own repository implementation behind this interface; the local
// shortcut never opens a filesystem path itself.
type RemoteRepo interface {
	storer.EncodedObjectStorer
	storer.ReferenceStorer
	storer.PackReader
	storer.PackWriter
}

// Loader resolves an Endpoint to the RemoteRepo it names, the local
// equivalent of a network dial. Returns transport.ErrRepositoryNotFound
// if nothing exists at ep.Path.
type Loader interface {
	Load(ep *transport.Endpoint) (RemoteRepo, error)
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(ep *transport.Endpoint) (RemoteRepo, error)

func (f LoaderFunc) Load(ep *transport.Endpoint) (RemoteRepo, error) { return f(ep) }

// NewLocalTransport returns a client.Factory for the "file" scheme
// backed by loader. A nil loader always fails with
// ErrRepositoryNotFound, which is registered as the package default so
// that client.Supports("file") is true even before a caller wires a real
// Loader; callers wanting an actual local shortcut call
// client.InstallProtocol("file", file.NewLocalTransport(myLoader))
// during startup.
func NewLocalTransport(loader Loader) client.Factory {
	if loader == nil {
		loader = LoaderFunc(func(*transport.Endpoint) (RemoteRepo, error) {
			return nil, transport.ErrRepositoryNotFound
		})
	}
	return func(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
		repo, err := loader.Load(ep)
		if err != nil {
			return nil, err
		}
		return &localTransport{repo: repo, ep: ep, opts: opts, caps: capability.NewList()}, nil
	}
}

// localTransport is the "copy or hard-link, then rewrite refs" shortcut,
// collapsed onto the storer seams: "copy" is RemoteRepo.Objects feeding
// the caller's PackWriter; "hard-link vs. copy" is a decision
// RemoteRepo's own implementation makes (it may satisfy PackReader with
// a hard-linking pack writer under the hood), keeping object-store
// internals out of the transport layer.
type localTransport struct {
	repo RemoteRepo
	ep   *transport.Endpoint
	opts transport.Options
	caps *capability.List

	advertised []*ref.Ref
	gotRefs    map[bool]bool
}

func (t *localTransport) SetOption(name, value string) error { return nil }

func (t *localTransport) GetRefs(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	if t.gotRefs == nil {
		t.gotRefs = make(map[bool]bool)
	}
	if t.gotRefs[opts.ForPush] {
		return t.advertised, nil
	}
	iter, err := t.repo.IterReferences()
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	defer iter.Close()

	var out []*ref.Ref
	for {
		r, err := iter.Next()
		if err != nil {
			break
		}
		out = append(out, r)
	}
	t.advertised = out
	t.gotRefs[opts.ForPush] = true
	return out, nil
}

func (t *localTransport) GetBundleURIs(ctx context.Context) ([]transport.BundleURI, error) {
	return nil, transport.NewError(transport.KindUnsupported, errors.New("file: bundle-uri not supported by the local shortcut"))
}

// Fetch implements transport.Transport. No negotiation round-trip is
// needed, since the local side already has direct access to the remote
// object store; req.Haves is passed straight through to
// RemoteRepo.Objects rather than driven via req.Negotiator.
func (t *localTransport) Fetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	rc, err := t.repo.Objects(req.Wants, req.Haves, false)
	if err != nil {
		return nil, transport.NewError(transport.KindPack, err)
	}
	defer rc.Close()

	if req.PackWriter == nil {
		return &transport.FetchResponse{}, nil
	}
	stats, err := req.PackWriter.WritePack(rc, storer.PackWriteOptions{})
	if err != nil {
		return nil, transport.NewError(transport.KindPack, err)
	}
	return &transport.FetchResponse{Stats: stats}, nil
}

// Push implements transport.Transport. Every ref is written straight
// into the remote's store; there is no status-report round trip to
// parse, so each ref's Status is set directly from the local write
// outcome.
func (t *localTransport) Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error) {
	if req.Packfile != nil {
		data, err := req.Packfile()
		if err != nil {
			return nil, transport.NewError(transport.KindPack, err)
		}
		if _, err := t.repo.WritePack(bytes.NewReader(data), storer.PackWriteOptions{}); err != nil {
			return nil, transport.NewError(transport.KindPack, err)
		}
	}
	for _, r := range req.Refs {
		if r.Deletion() {
			if err := t.repo.RemoveReference(r.Name); err != nil {
				r.Status = ref.StatusRemoteReject
				r.RemoteStatus = err.Error()
				continue
			}
		} else if err := t.repo.SetReference(r); err != nil {
			r.Status = ref.StatusRemoteReject
			r.RemoteStatus = err.Error()
			continue
		}
		r.Status = ref.StatusOK
	}
	return &transport.PushResponse{}, nil
}

func (t *localTransport) Connect(ctx context.Context, service string) (transport.Connection, error) {
	return nil, transport.NewError(transport.KindUnsupported, errors.New("file: connect not supported by the local shortcut"))
}

func (t *localTransport) Disconnect() error { return nil }

func (t *localTransport) Capabilities() *capability.List { return t.caps }

func (t *localTransport) Version() protocol.Version { return protocol.V0 }

// --- bundle reader ---

// bundleMagicV2 and bundleMagicV3 are the header lines a bundle file
// opens with; the prerequisite/ref lines that follow are identical in
// shape to the v0/v1 ref advertisement, minus any capability blob.
const (
	bundleMagicV2 = "# v2 git bundle"
	bundleMagicV3 = "# v3 git bundle"
)

// ErrNotABundle is returned when a file lacks the bundle magic header.
var ErrNotABundle = errors.New("file: not a bundle file")

// ErrMissingPrerequisite is returned by Fetch when a prerequisite commit
// the bundle was built against is not present in the local store.
var ErrMissingPrerequisite = errors.New("file: missing bundle prerequisite")

// bundleHeader is the parsed preamble of a bundle file: prerequisites
// (commits the unpacking side must already have) and the ref list the
// bundle advertises. The grammar: magic line, "-<hex> <msg>"
// prerequisites, "<hex> <name>" refs, blank line, then raw pack bytes.
type bundleHeader struct {
	Prerequisites []hash.ObjectID
	Refs          []*ref.Ref
}

// NewBundleTransport opens path as a bundle file, going through an osfs
// indirection rather than a bare os.Open so a bundle handed a chrooted
// or in-memory billy.Filesystem (tests, virtual remotes) works the same
// as one on the real disk. local is consulted by Fetch to verify
// prerequisites; it may be nil if the caller only wants GetRefs
// (e.g. inspecting a bundle without unpacking it).
func NewBundleTransport(path string, algo hash.Algorithm, local storer.EncodedObjectStorer) (transport.Transport, error) {
	return NewBundleTransportFS(osfs.New(filepath.Dir(path)), filepath.Base(path), algo, local)
}

// NewBundleTransportFS is NewBundleTransport with the filesystem supplied
// explicitly, letting a caller point the bundle reader at a billy.Filesystem
// other than the host disk (osfs.New with a different root, memfs, a
// chrooted worktree filesystem, ...).
func NewBundleTransportFS(fs billy.Filesystem, name string, algo hash.Algorithm, local storer.EncodedObjectStorer) (transport.Transport, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if algo.Size() == 0 {
		algo = hash.SHA1
	}
	return &bundleTransport{path: name, f: f, algo: algo, local: local, caps: capability.NewList()}, nil
}

type bundleTransport struct {
	path  string
	f     billy.File
	algo  hash.Algorithm
	local storer.EncodedObjectStorer
	caps  *capability.List

	header  *bundleHeader
	packOff int64
}

func (t *bundleTransport) parseHeader() error {
	if t.header != nil {
		return nil
	}
	br := bufio.NewReader(t.f)
	magic, err := readLine(br)
	if err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	if magic != bundleMagicV2 && magic != bundleMagicV3 {
		return transport.NewError(transport.KindProtocol, fmt.Errorf("%w: %q", ErrNotABundle, magic))
	}

	h := &bundleHeader{}
	consumed := int64(len(magic) + 1)
	for {
		line, err := readLine(br)
		if err != nil {
			return transport.NewError(transport.KindProtocol, err)
		}
		consumed += int64(len(line) + 1)
		if line == "" {
			break
		}
		if magic == bundleMagicV3 && strings.HasPrefix(line, "@") {
			// v3 capability line ("@object-format=sha1"); only
			// object-format is meaningful here.
			if name, ok := strings.CutPrefix(line, "@object-format="); ok {
				if a, ok := hash.ByName(name); ok {
					t.algo = a
				}
			}
			continue
		}
		if strings.HasPrefix(line, "-") {
			id, err := t.algo.ParseHex(strings.Fields(line[1:])[0])
			if err != nil {
				return transport.NewError(transport.KindProtocol, fmt.Errorf("bundle: bad prerequisite %q: %w", line, err))
			}
			h.Prerequisites = append(h.Prerequisites, id)
			continue
		}
		idHex, name, ok := strings.Cut(line, " ")
		if !ok {
			return transport.NewError(transport.KindProtocol, fmt.Errorf("bundle: malformed ref line %q", line))
		}
		id, err := t.algo.ParseHex(idHex)
		if err != nil {
			return transport.NewError(transport.KindProtocol, fmt.Errorf("bundle: bad ref id %q: %w", idHex, err))
		}
		h.Refs = append(h.Refs, &ref.Ref{Name: name, NewID: id})
	}
	t.header = h
	t.packOff = consumed
	return nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

func (t *bundleTransport) SetOption(name, value string) error { return nil }

func (t *bundleTransport) GetRefs(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	if err := t.parseHeader(); err != nil {
		return nil, err
	}
	return t.header.Refs, nil
}

func (t *bundleTransport) GetBundleURIs(ctx context.Context) ([]transport.BundleURI, error) {
	return nil, transport.NewError(transport.KindUnsupported, errors.New("file: bundle-uri not supported by a bundle file"))
}

// Fetch implements transport.Transport: verifies every prerequisite is
// already present locally, then feeds the remainder of the file, the
// raw pack, to req.PackWriter.
func (t *bundleTransport) Fetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	if err := t.parseHeader(); err != nil {
		return nil, err
	}
	if t.local != nil {
		for _, id := range t.header.Prerequisites {
			if err := t.local.HasEncodedObject(id); err != nil {
				return nil, transport.NewError(transport.KindProtocol, fmt.Errorf("%w: %s: %v", ErrMissingPrerequisite, id, err))
			}
		}
	}

	if _, err := t.f.Seek(t.packOff, io.SeekStart); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if req.PackWriter == nil {
		return &transport.FetchResponse{}, nil
	}
	stats, err := req.PackWriter.WritePack(t.f, storer.PackWriteOptions{})
	if err != nil {
		return nil, transport.NewError(transport.KindPack, err)
	}
	return &transport.FetchResponse{Stats: stats}, nil
}

func (t *bundleTransport) Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error) {
	return nil, transport.NewError(transport.KindUnsupported, errors.New("file: push is not supported against a bundle file"))
}

func (t *bundleTransport) Connect(ctx context.Context, service string) (transport.Connection, error) {
	return nil, transport.NewError(transport.KindUnsupported, errors.New("file: connect not supported by a bundle file"))
}

func (t *bundleTransport) Disconnect() error { return t.f.Close() }

func (t *bundleTransport) Capabilities() *capability.List { return t.caps }

func (t *bundleTransport) Version() protocol.Version { return protocol.V0 }
