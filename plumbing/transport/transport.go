// Package transport defines the polymorphic transport abstraction: a
// single interface implemented by each transport kind (native smart,
// HTTP, bundle, local shortcut, external helper), plus the Endpoint,
// capability and request/response types every implementation shares.
//
// A transport instance is long-lived for the duration of one operation:
// it exposes SetOption/GetRefs/Fetch/Push/Connect/Disconnect directly
// rather than splitting dialing and session driving into separate types.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
)

// AuthMethod is any credential an endpoint may require; concrete
// implementations live in the transport packages that need them (basic
// auth for HTTP, public-key auth for SSH).
type AuthMethod interface {
	fmt.Stringer
	Name() string
}

// Endpoint is a parsed remote URL, scheme-agnostic.
type Endpoint struct {
	Protocol string
	User     string
	Password string
	Host     string
	Port     int
	Path     string

	InsecureSkipTLS bool
	CaBundle        []byte
	Proxy           ProxyOptions
}

// ProxyOptions configures an HTTP(S)/SOCKS proxy for transports that
// support one.
type ProxyOptions struct {
	URL      string
	Username string
	Password string
}

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"git":   9418,
	"ssh":   22,
}

// String renders the endpoint back to URL form.
func (e *Endpoint) String() string {
	var buf bytes.Buffer
	if e.Protocol != "" {
		buf.WriteString(e.Protocol)
		buf.WriteByte(':')
	}
	if e.Protocol != "" || e.Host != "" || e.User != "" || e.Password != "" {
		buf.WriteString("//")
		if e.User != "" || e.Password != "" {
			buf.WriteString(url.PathEscape(e.User))
			if e.Password != "" {
				buf.WriteByte(':')
				buf.WriteString(url.PathEscape(e.Password))
			}
			buf.WriteByte('@')
		}
		if e.Host != "" {
			buf.WriteString(e.Host)
			if e.Port != 0 {
				if p, ok := defaultPorts[strings.ToLower(e.Protocol)]; !ok || p != e.Port {
					fmt.Fprintf(&buf, ":%d", e.Port)
				}
			}
		}
	}
	if e.Path != "" && e.Path[0] != '/' && e.Host != "" {
		buf.WriteByte('/')
	}
	buf.WriteString(e.Path)
	return buf.String()
}

// NewEndpoint parses a remote URL in any of the forms Git accepts:
// scp-like (user@host:path), file paths, or scheme://host/path URLs.
func NewEndpoint(raw string) (*Endpoint, error) {
	if e, ok := parseSCPLike(raw); ok {
		return e, nil
	}
	if e, ok := parseFile(raw); ok {
		return e, nil
	}
	return parseURL(raw)
}

func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	return i > 0
}

func parseURL(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("transport: invalid endpoint %q", raw)
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	port := 0
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	return &Endpoint{
		Protocol: u.Scheme,
		User:     user,
		Password: pass,
		Host:     host,
		Port:     port,
		Path:     path,
	}, nil
}

func parseSCPLike(raw string) (*Endpoint, bool) {
	if hasScheme(raw) {
		return nil, false
	}
	at := strings.Index(raw, "@")
	colon := strings.Index(raw, ":")
	if at < 0 || colon < 0 || colon < at {
		return nil, false
	}
	// Reject paths that merely contain a drive-letter colon (Windows).
	if strings.Contains(raw[:colon], "/") {
		return nil, false
	}
	user := raw[:at]
	rest := raw[at+1:]
	hc := strings.IndexByte(rest, ':')
	if hc < 0 {
		return nil, false
	}
	host := rest[:hc]
	path := rest[hc+1:]
	return &Endpoint{Protocol: "ssh", User: user, Host: host, Port: 22, Path: path}, true
}

func parseFile(raw string) (*Endpoint, bool) {
	if hasScheme(raw) {
		return nil, false
	}
	return &Endpoint{Protocol: "file", Path: raw}, true
}

// ListOptions configures GetRefs.
type ListOptions struct {
	// ForPush selects the push-side ref advertisement where the
	// transport distinguishes the two (v2 ls-refs vs. receive-pack).
	ForPush bool
	// RefPrefixes restricts a v2 ls-refs request to the given prefixes;
	// ignored by transports that cannot filter server-side.
	RefPrefixes []string
	// ExtraParams are sent as v2 ls-refs command arguments.
	ExtraParams []string
}

// FetchRequest is the input to Transport.Fetch.
type FetchRequest struct {
	Wants []hash.ObjectID
	Haves []hash.ObjectID

	Depth      int
	DeepenSince int64
	DeepenNot  []string
	DeepenRelative bool

	Filter string

	IncludeTags bool
	Progress    bool

	// Shallows lists the client's current shallow boundary, sent so the
	// server can compute the correct incremental shallow update.
	Shallows []hash.ObjectID

	// Negotiator drives the have/ack exchange; see plumbing/transport/negotiate.
	Negotiator Negotiator

	// PackWriter receives the incoming pack stream and applies it to the
	// object store, producing the stats surfaced on FetchResponse.Stats.
	PackWriter storer.PackWriter
}

// Negotiator is the interface the fetch driver drives during negotiation:
// a stateful generator of haves interleaved with ACK feedback.
type Negotiator interface {
	Next() (hash.ObjectID, bool)
	Ack(id hash.ObjectID) (alreadyCommon bool)
	InVain() int
	Exhausted() bool
}

// FetchResponse is the result of a successful Fetch call.
type FetchResponse struct {
	Stats        *storer.PackStats
	Shallows     []hash.ObjectID
	Unshallows   []hash.ObjectID
	WantedRefs   []*ref.Ref
	PackLockfiles []string
}

// PushRequest is the input to Transport.Push.
type PushRequest struct {
	Refs        []*ref.Ref
	Atomic      bool
	Thin        bool
	PushOptions []string
	Progress    bool
	// Packfile is produced by the caller (the push driver) and streamed
	// by the transport to the remote.
	Packfile func() ([]byte, error)

	// Cert, if non-empty, is a pre-built and signed push certificate the
	// transport sends in place of the plain old/new/name update lines;
	// the update list is embedded in the certificate body itself.
	Cert string
}

// PushResponse is the result of a successful Push call; per-ref outcomes
// are recorded directly on the Ref values in PushRequest.Refs.
type PushResponse struct{}

// BundleURI is one entry of a get_bundle_uri response.
type BundleURI struct {
	URI    string
	Filter string
}

// Transport is the single polymorphic interface every transport kind
// implements.
type Transport interface {
	// SetOption applies a smart-protocol option; unknown options are not
	// an error, so the caller may warn and continue.
	SetOption(name, value string) error

	// GetRefs returns the remote's ref advertisement. May be called at
	// most once per direction (ListOptions.ForPush); results are cached.
	GetRefs(ctx context.Context, opts ListOptions) ([]*ref.Ref, error)

	// GetBundleURIs populates and returns any bundle URIs the remote
	// advertises, or ErrUnsupportedOption if the transport has none.
	GetBundleURIs(ctx context.Context) ([]BundleURI, error)

	// Fetch drives the want/have/done (or v2 fetch) exchange and returns
	// once the pack has been fully delivered to the caller's PackWriter.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)

	// Push drives the outbound pack delivery and status-report parsing.
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)

	// Connect tunnels a bidirectional byte stream to the named subservice,
	// for transports that support it (native smart, some external
	// helpers in stateless-connect mode).
	Connect(ctx context.Context, service string) (Connection, error)

	// Disconnect releases all resources held by this transport instance.
	Disconnect() error

	// Capabilities returns the capability registry populated by the most
	// recent GetRefs/Connect call, or an empty registry before either has
	// run.
	Capabilities() *capability.List

	// Version reports the protocol version negotiated with the remote.
	Version() protocol.Version
}

// Connection is the duplex byte stream returned by Connect, used to
// tunnel raw protocol traffic.
type Connection interface {
	ReadWriteCloser
}

// ReadWriteCloser is the minimal duplex-stream contract Connect returns.
type ReadWriteCloser interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// Options carries cross-cutting per-instance configuration that every
// transport constructor accepts.
type Options struct {
	HashAlgo     hash.Algorithm
	Verbosity    int
	Progress     WriteFlusher
	StatelessRPC bool
	Cloning      bool
	ServerOptions []string

	// Auth carries the credential to present to the remote, if any.
	// Transports that need a concrete type (ssh.AuthMethod, http basic
	// auth) type-assert it themselves and return ErrInvalidAuthMethod
	// on mismatch.
	Auth AuthMethod

	// CredentialRefill is invoked once, by transports that support HTTP
	// auth retry, after a first request fails with a 401. Credential
	// storage and prompting live outside this module; this hook is the
	// seam a caller wires an external credential prompt through. A nil
	// hook means no retry is attempted.
	CredentialRefill func() (AuthMethod, error)

	// Gzip enables Content-Encoding: gzip on outbound HTTP request
	// bodies. Ignored by transports that have no request compression of
	// their own.
	Gzip bool
}

// WriteFlusher is the progress sink (e.g. terminal output). It declares
// only Write; there is no Flush method for a transport to call.
type WriteFlusher interface {
	Write(p []byte) (int, error)
}
