package http

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

// chunkThreshold is the outbound-buffer size that decides between a
// single Content-Length POST and a chunked Transfer-Encoding upload.
// The pack-protocol driver always hands postSmart a complete
// body (there's no persistent connection to stream packets across), so
// this is applied as a post-hoc size check on that body rather than a
// true incremental buffer; the wire behavior (Content-Length vs.
// chunked) is the same either way.
const chunkThreshold = 1 << 20

// Transport implements transport.Transport over HTTP(S). It
// has no persistent connection: every GetRefs/Fetch/Push call is its own
// round of one or more request/response pairs against the remote's
// info/refs, git-upload-pack and git-receive-pack endpoints.
type Transport struct {
	client *http.Client
	ep     *transport.Endpoint
	opts   transport.Options
	auth   AuthMethod

	caps        *capability.List
	version     protocol.Version
	advertised  []*ref.Ref
	gotRefs     map[bool]bool
	hashAlgo    hash.Algorithm
	isSmart     bool
	gitProtocol string

	gzip             bool
	credentialRefill func() (transport.AuthMethod, error)
	authRetried      bool

	// looseStore is the seam the dumb walker stores fetched loose
	// objects through; nil unless the caller wired one via
	// SetLooseObjectStorer.
	looseStore LooseObjectStorer
}

func (t *Transport) service(forPush bool) string {
	if forPush {
		return "git-receive-pack"
	}
	return "git-upload-pack"
}

// SetOption implements transport.Transport.
func (t *Transport) SetOption(name, value string) error {
	if name == "GIT_PROTOCOL" {
		t.gitProtocol = value
	}
	return nil
}

// Capabilities implements transport.Transport.
func (t *Transport) Capabilities() *capability.List {
	if t.caps == nil {
		return capability.NewList()
	}
	return t.caps
}

// Version implements transport.Transport.
func (t *Transport) Version() protocol.Version { return t.version }

// GetRefs implements transport.Transport, fetching the info/refs
// advertisement over GET. Falls back to the dumb walker's ref discovery
// when the response isn't the smart advertisement content type.
func (t *Transport) GetRefs(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	if t.gotRefs == nil {
		t.gotRefs = make(map[bool]bool)
	}
	if t.gotRefs[opts.ForPush] {
		return t.advertised, nil
	}

	service := t.service(opts.ForPush)
	url := t.ep.String() + infoRefsPath + "?service=" + service

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	applyHeaders(req, service, t.auth, t.gitProtocol, true)

	res, err := doRequest(t.client, req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	contentType := res.Header.Get("Content-Type")
	t.isSmart = contentType == fmt.Sprintf("application/x-%s-advertisement", service)
	if !t.isSmart {
		refs, err := t.dumbGetRefs(ctx)
		if err != nil {
			return nil, err
		}
		t.advertised = refs
		t.gotRefs[opts.ForPush] = true
		return refs, nil
	}

	br := bufio.NewReaderSize(res.Body, pktline.MaxSize)
	peeked, _ := br.Peek(pktline.MaxSize)
	if strings.Contains(string(peeked[:min(len(peeked), 96)]), "version 2") {
		t.version = protocol.V2
		if err := t.decodeV2Capabilities(br); err != nil {
			return nil, err
		}
		refs, err := t.lsRefsV2(ctx, opts)
		if err != nil {
			return nil, err
		}
		t.advertised = refs
		t.gotRefs[opts.ForPush] = true
		return refs, nil
	}
	t.version = protocol.V0

	ar := packp.NewAdvRefs()
	if err := ar.Decode(br); err != nil {
		if err == packp.ErrEmptyAdvRefs {
			return nil, transport.NewError(transport.KindIO, transport.ErrEmptyRemoteRepository)
		}
		return nil, transport.NewError(transport.KindProtocol, err)
	}
	t.caps = ar.Capabilities
	if err := t.checkObjectFormat(ar.ObjectFormat); err != nil {
		return nil, err
	}
	t.advertised = ar.Refs
	t.gotRefs[opts.ForPush] = true
	return ar.Refs, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (t *Transport) decodeV2Capabilities(br *bufio.Reader) error {
	pr := pktline.NewReader(br)
	pr.ChompNewline = true

	kind, _, line, err := pr.Read()
	if err != nil {
		return transport.NewError(transport.KindProtocol, err)
	}
	if kind != pktline.Normal || string(line) != "version 2" {
		return transport.NewError(transport.KindProtocol, fmt.Errorf("http: expected version 2 line, got %q", line))
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
	t.caps = caps
	var remote hash.Algorithm
	if v := caps.Value(capability.ObjectFormat); v != "" {
		algo, ok := hash.ByName(v)
		if !ok {
			return transport.NewError(transport.KindProtocol, fmt.Errorf("http: unknown object-format %q", v))
		}
		remote = algo
	}
	return t.checkObjectFormat(remote)
}

// checkObjectFormat enforces hash-algorithm agreement: a
// mismatched object-format fails the session instead of silently
// switching the caller's selected hash algorithm. An absent remote value
// is treated as an implicit SHA-1 advertisement, matching NewTransport's
// own default (see transport.Options.HashAlgo handling in NewTransport).
func (t *Transport) checkObjectFormat(remote hash.Algorithm) error {
	if remote.Size() == 0 {
		remote = hash.SHA1
	}
	if remote != t.hashAlgo {
		return transport.NewError(transport.KindProtocol, fmt.Errorf("http: object-format mismatch: local %s, remote %s", t.hashAlgo.Name(), remote.Name()))
	}
	return nil
}

// GetBundleURIs implements transport.Transport; the HTTP transport has
// no bundle-uri command of its own (that's an advertised v2 capability,
// queried the same way as git:// once version 2 is negotiated).
func (t *Transport) GetBundleURIs(ctx context.Context) ([]transport.BundleURI, error) {
	if t.version != protocol.V2 || t.caps == nil || !t.caps.Supports(capability.BundleURI) {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("http: bundle-uri not supported"))
	}
	body, err := t.postV2Command(ctx, "bundle-uri", nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	pr := pktline.NewReader(body)
	pr.ChompNewline = true
	var out []transport.BundleURI
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
		if kind == pktline.Flush || kind == pktline.EOF {
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

// Connect implements transport.Transport; HTTP has no raw duplex stream
// to tunnel, only discrete request/response pairs.
func (t *Transport) Connect(ctx context.Context, service string) (transport.Connection, error) {
	return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("http: connect is not supported"))
}

// Disconnect implements transport.Transport; there's no persistent
// socket of our own to close (the net/http client owns pooled
// connections and outlives any one Transport instance).
func (t *Transport) Disconnect() error { return nil }

// postSmart issues one POST to the named smart endpoint with body as the
// request payload, returning the (open) response body for the caller to
// read pkt-lines from. It implements the buffering, gzip and 401-retry
// rules.
func (t *Transport) postSmart(ctx context.Context, service string, body []byte) (io.ReadCloser, error) {
	if t.gzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
		if err := gw.Close(); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
		body = buf.Bytes()
	}

	res, err := t.doSmartPost(ctx, service, body)
	if err != nil {
		if transport.KindOf(err) == transport.KindAuth && t.credentialRefill != nil && !t.authRetried {
			t.authRetried = true
			newAuth, rerr := t.credentialRefill()
			if rerr != nil {
				return nil, transport.NewError(transport.KindAuth, rerr)
			}
			if a, ok := newAuth.(AuthMethod); ok {
				t.auth = a
			}
			res, err = t.doSmartPost(ctx, service, body)
		}
		if err != nil {
			return nil, err
		}
	}
	return res.Body, nil
}

// doSmartPost issues the actual POST, choosing between a Content-Length
// request and a chunked upload per chunkThreshold.
func (t *Transport) doSmartPost(ctx context.Context, service string, body []byte) (*http.Response, error) {
	url := t.ep.String() + "/" + service
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	applyHeaders(req, service, t.auth, t.gitProtocol, true)
	if t.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if len(body) >= chunkThreshold {
		// Force chunked Transfer-Encoding instead of a Content-Length
		// header: net/http only infers chunked automatically for
		// request bodies whose length it cannot determine up front.
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
	} else {
		req.ContentLength = int64(len(body))
	}

	return doRequest(t.client, req)
}

func (t *Transport) postV2Command(ctx context.Context, name string, args []string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := writeV2Command(pktline.NewWriter(&buf), name, nil, args); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	return t.postSmart(ctx, "git-upload-pack", buf.Bytes())
}

func writeV2Command(w *pktline.Writer, name string, caps []string, args []string) error {
	if _, err := w.WriteFmt("command=%s\n", name); err != nil {
		return err
	}
	for _, c := range caps {
		if _, err := w.WriteFmt("%s\n", c); err != nil {
			return err
		}
	}
	if err := w.WriteDelim(); err != nil {
		return err
	}
	for _, a := range args {
		if _, err := w.WriteFmt("%s\n", a); err != nil {
			return err
		}
	}
	return w.WriteFlush()
}
