// Package git implements the native smart transport: the stream-oriented
// v0/v1 want/have/done exchange and the command-oriented v2 protocol,
// shared by the plain git:// dialer and the SSH dialer (both just hand
// Session a different io.ReadWriteCloser).
package git

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dagsync/core/internal/trace"
	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

var log = trace.For("transport/git")

// Session implements transport.Transport over a single duplex byte
// stream obtained from a Dialer (TCP for git://, an SSH channel for
// ssh://). It owns the connection exclusively from creation until
// Disconnect.
type Session struct {
	conn     io.ReadWriteCloser
	br       *bufio.Reader
	endpoint *transport.Endpoint
	opts     transport.Options

	caps         *capability.List
	version      protocol.Version
	advertised   []*ref.Ref
	gotRefs      map[bool]bool
	hashAlgo     hash.Algorithm
	smartOptions map[string]string

	// requestLineFunc performs the dialer-specific opening step before any
	// pkt-line traffic: the git:// dialer writes the daemon's
	// "<service> <path>\x00host=...\x00" line, the SSH dialer starts the
	// remote command for the service. nil when the connection needs no
	// such step. Called at most once per direction.
	requestLineFunc func(forPush bool) error
	sentRequest     map[bool]bool
}

// Dialer opens the duplex connection a Session speaks over. No type in
// this package implements it: NewTransport and NewSSHTransport open their
// connections themselves.
type Dialer interface {
	Dial(ctx context.Context, ep *transport.Endpoint) (io.ReadWriteCloser, error)
}

// NewSession wraps conn (already connected) as a transport.Transport.
func NewSession(conn io.ReadWriteCloser, ep *transport.Endpoint, opts transport.Options) *Session {
	algo := opts.HashAlgo
	if algo.Size() == 0 {
		algo = hash.SHA1
	}
	return &Session{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, pktline.MaxSize),
		endpoint:     ep,
		opts:         opts,
		caps:         capability.NewList(),
		hashAlgo:     algo,
		gotRefs:      make(map[bool]bool),
		sentRequest:  make(map[bool]bool),
		smartOptions: make(map[string]string),
	}
}

// SetOption implements transport.Transport.
func (s *Session) SetOption(name, value string) error {
	s.smartOptions[name] = value
	return nil
}

// Capabilities implements transport.Transport.
func (s *Session) Capabilities() *capability.List { return s.caps }

// Version implements transport.Transport.
func (s *Session) Version() protocol.Version { return s.version }

func (s *Session) service(forPush bool) string {
	if forPush {
		return "git-receive-pack"
	}
	return "git-upload-pack"
}

// sendRequestLine invokes the dialer's requestLineFunc, if any, the first
// time a given direction is used. The git:// TCP dialer sets this to
// write its "<service> <path>\x00host=...\x00" opening line; the SSH
// dialer sets it to start the remote command for the service.
func (s *Session) sendRequestLine(forPush bool) error {
	if s.requestLineFunc == nil || s.sentRequest[forPush] {
		return nil
	}
	if err := s.requestLineFunc(forPush); err != nil {
		return err
	}
	s.sentRequest[forPush] = true
	return nil
}

// GetRefs implements transport.Transport. It may be called at most once
// per direction; results are cached on the session.
func (s *Session) GetRefs(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	if s.gotRefs[opts.ForPush] {
		return s.advertised, nil
	}
	if err := s.sendRequestLine(opts.ForPush); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	ver, err := s.detectVersion()
	if err != nil {
		return nil, transport.NewError(transport.KindProtocol, err)
	}
	s.version = ver

	if ver == protocol.V2 {
		if err := s.decodeV2Capabilities(); err != nil {
			return nil, err
		}
		refs, err := s.lsRefsV2(opts)
		if err != nil {
			return nil, err
		}
		s.advertised = refs
		s.gotRefs[opts.ForPush] = true
		return refs, nil
	}

	ar := packp.NewAdvRefs()
	if err := ar.Decode(s.br); err != nil {
		return nil, transport.NewError(transport.KindProtocol, err)
	}
	s.caps = ar.Capabilities
	if err := s.checkObjectFormat(ar.ObjectFormat); err != nil {
		return nil, err
	}
	s.advertised = ar.Refs
	s.gotRefs[opts.ForPush] = true
	return ar.Refs, nil
}

// detectVersion peeks the first pkt-line: a "version N" line means the
// server chose the stateless v2-style protocol; anything else is a
// v0/v1 ref advertisement line.
func (s *Session) detectVersion() (protocol.Version, error) {
	pr := pktline.NewReader(s.br)
	kind, err := pr.Peek()
	if err != nil {
		return protocol.VersionUnknown, err
	}
	if kind != pktline.Normal {
		return protocol.V0, nil
	}
	peeked, err := s.br.Peek(pktline.MaxSize)
	if err != nil && len(peeked) == 0 {
		return protocol.VersionUnknown, err
	}
	if strings.Contains(string(peeked[:min(len(peeked), 64)]), "version 2") {
		return protocol.V2, nil
	}
	return protocol.V0, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// decodeV2Capabilities consumes the "version 2\n"-prefixed capability
// advertisement.
func (s *Session) decodeV2Capabilities() error {
	pr := pktline.NewReader(s.br)
	pr.ChompNewline = true

	kind, _, line, err := pr.Read()
	if err != nil {
		return transport.NewError(transport.KindProtocol, err)
	}
	if kind != pktline.Normal || string(line) != "version 2" {
		return transport.NewError(transport.KindProtocol, fmt.Errorf("git: expected version 2 line, got %q", line))
	}

	caps := capability.NewList()
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return transport.NewError(transport.KindProtocol, err)
		}
		if kind == pktline.Flush {
			break
		}
		if kind != pktline.Normal {
			continue
		}
		if err := caps.Decode(line); err != nil {
			return transport.NewError(transport.KindProtocol, err)
		}
	}
	s.caps = caps
	var remote hash.Algorithm
	if v := caps.Value(capability.ObjectFormat); v != "" {
		algo, ok := hash.ByName(v)
		if !ok {
			return transport.NewError(transport.KindProtocol, fmt.Errorf("git: unknown object-format %q", v))
		}
		remote = algo
	}
	return s.checkObjectFormat(remote)
}

// checkObjectFormat enforces hash-algorithm agreement: a
// v0/v1 session without a matching object-format capability must be
// refused rather than silently switching hash algorithms out from under
// the caller, and likewise for v2's explicit object-format command
// capability. An absent remote value is treated as an implicit SHA-1
// advertisement, matching NewSession's own default.
func (s *Session) checkObjectFormat(remote hash.Algorithm) error {
	if remote.Size() == 0 {
		remote = hash.SHA1
	}
	if remote != s.hashAlgo {
		return transport.NewError(transport.KindProtocol, fmt.Errorf("git: object-format mismatch: local %s, remote %s", s.hashAlgo.Name(), remote.Name()))
	}
	return nil
}

// GetBundleURIs implements transport.Transport; the native smart
// transport only has this via a v2 bundle-uri command.
func (s *Session) GetBundleURIs(ctx context.Context) ([]transport.BundleURI, error) {
	if s.version != protocol.V2 || !s.caps.Supports(capability.BundleURI) {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("git: bundle-uri not supported"))
	}
	w := pktline.NewWriter(s.conn)
	if err := writeV2Command(w, "bundle-uri", nil, nil); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	var out []transport.BundleURI
	pr := pktline.NewReader(s.br)
	pr.ChompNewline = true
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
		if kind == pktline.Flush {
			break
		}
		if kind != pktline.Normal {
			continue
		}
		uri, filter, _ := strings.Cut(string(line), " ")
		out = append(out, transport.BundleURI{URI: uri, Filter: filter})
	}
	return out, nil
}

// Connect implements transport.Transport: tunnels the
// raw duplex stream for stateless-connect-style use, but the native smart
// transport is already a raw duplex stream, so this just hands the
// connection back wrapped to satisfy the interface.
func (s *Session) Connect(ctx context.Context, service string) (transport.Connection, error) {
	return connWrapper{s.conn}, nil
}

type connWrapper struct{ io.ReadWriteCloser }

// Disconnect implements transport.Transport.
func (s *Session) Disconnect() error {
	return s.conn.Close()
}
