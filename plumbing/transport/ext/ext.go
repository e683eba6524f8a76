// Package ext implements the external-helper transport: a child process
// named "remote-<scheme>" spoken to over stdin/stdout using the
// line-oriented helper protocol (capabilities/option/list/fetch/push/
// stateless-connect), registered as the client registry's scheme-agnostic
// fallback for URL schemes not known until runtime.
//
// Subprocess spawning uses golang.org/x/sys/execabs rather than os/exec:
// the helper name is built from untrusted URL scheme text, so it must
// resolve through an absolute-path-only lookup.
package ext

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sys/execabs"

	"github.com/dagsync/core/internal/trace"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
	"github.com/dagsync/core/plumbing/transport/client"
)

var log = trace.For("transport/ext")

func init() {
	// Registered under "ext": client.NewTransport falls through to this
	// factory for any scheme with no dedicated Factory, passing the
	// endpoint's actual (unknown) scheme through unchanged so helperName
	// below builds "remote-<scheme>".
	client.InstallProtocol("ext", NewTransport)
}

// helperName is the subprocess name spawned for a given URL scheme.
func helperName(scheme string) string { return "remote-" + scheme }

// NewTransport spawns the remote helper for ep's scheme and performs the
// initial capabilities handshake.
func NewTransport(ep *transport.Endpoint, opts transport.Options) (transport.Transport, error) {
	name := helperName(ep.Protocol)
	cmd := execabs.Command(name, "origin", ep.String())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, transport.NewError(transport.KindIO, fmt.Errorf("ext: spawning %s: %w", name, err))
	}

	h := &Helper{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		caps:   make(map[string]string),
		ep:     ep,
		opts:   opts,
		vcaps:  capability.NewList(),
	}
	if err := h.handshake(); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	return h, nil
}

// Helper drives one remote-helper subprocess.
type Helper struct {
	cmd    *execabs.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	caps   map[string]string
	ep     *transport.Endpoint
	opts   transport.Options
	vcaps  *capability.List

	advertised []*ref.Ref
	gotRefs    map[bool]bool
	connected  transport.Connection
}

// handshake writes "capabilities\n" and records the blank-line-terminated
// response.
func (h *Helper) handshake() error {
	if err := h.writeLine("capabilities"); err != nil {
		return err
	}
	lines, err := h.readBlock()
	if err != nil {
		return err
	}
	for _, l := range lines {
		name, value, _ := strings.Cut(l, " ")
		h.caps[name] = value
	}
	return nil
}

func (h *Helper) writeLine(line string) error {
	_, err := io.WriteString(h.stdin, line+"\n")
	if err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	return nil
}

// readBlock reads lines until a blank line, the protocol's universal
// block terminator, and returns them, excluding the blank line itself.
func (h *Helper) readBlock() ([]string, error) {
	var out []string
	for {
		line, err := h.stdout.ReadString('\n')
		if err != nil {
			if line == "" {
				return nil, transport.NewError(transport.KindIO, err)
			}
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return out, nil
		}
		out = append(out, line)
	}
}

// supports reports whether the helper declared capability name, either
// bare or as "name value" (handshake records the text after the first
// space as the value under name).
func (h *Helper) supports(name string) bool {
	_, ok := h.caps[name]
	return ok
}

// SetOption implements transport.Transport: forwards the option to the
// helper if it declared the "option" capability, mapping its reply to the
// applied/unknown/invalid tri-state.
func (h *Helper) SetOption(name, value string) error {
	if !h.supports("option") {
		return transport.ErrUnsupportedOption
	}
	if err := h.writeLine(fmt.Sprintf("option %s %s", name, value)); err != nil {
		return err
	}
	reply, err := h.stdout.ReadString('\n')
	if err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	reply = strings.TrimRight(reply, "\n")
	switch {
	case reply == "ok":
		return nil
	case reply == "unsupported":
		return transport.ErrUnsupportedOption
	case strings.HasPrefix(reply, "error"):
		return transport.NewError(transport.KindProtocol, fmt.Errorf("ext: option %s rejected: %s", name, strings.TrimPrefix(reply, "error ")))
	default:
		return transport.NewError(transport.KindProtocol, fmt.Errorf("ext: unexpected option reply %q", reply))
	}
}

// GetRefs implements transport.Transport: "list" or "list for-push",
// reading "id name [attrs]" lines until blank.
func (h *Helper) GetRefs(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	if h.gotRefs == nil {
		h.gotRefs = make(map[bool]bool)
	}
	if h.gotRefs[opts.ForPush] {
		return h.advertised, nil
	}

	cmd := "list"
	if opts.ForPush {
		cmd += " for-push"
	}
	if err := h.writeLine(cmd); err != nil {
		return nil, err
	}
	lines, err := h.readBlock()
	if err != nil {
		return nil, err
	}

	var out []*ref.Ref
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) < 2 {
			continue
		}
		id, name := fields[0], fields[1]
		if strings.HasPrefix(id, "@") {
			// symref: "@<target> <name>"
			out = append(out, &ref.Ref{Name: name, Symref: fields[0][1:]})
			continue
		}
		if id == "?" {
			out = append(out, &ref.Ref{Name: name})
			continue
		}
		algo := h.opts.HashAlgo
		if algo.Size() == 0 {
			algo = hash.SHA1
		}
		objID, perr := algo.ParseHex(id)
		if perr != nil {
			continue
		}
		out = append(out, &ref.Ref{Name: name, NewID: objID})
	}
	h.advertised = out
	h.gotRefs[opts.ForPush] = true
	return out, nil
}

func (h *Helper) GetBundleURIs(ctx context.Context) ([]transport.BundleURI, error) {
	return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("ext: bundle-uri not supported by helper %q", helperName(h.ep.Protocol)))
}

// Fetch implements transport.Transport. The helper
// is responsible for delivering objects into the local store by its own
// means (its own transport, or via fast-import for "import"-capable
// helpers); this core only drives the handshake and records the
// lockfile/connectivity hints the helper reports back.
func (h *Helper) Fetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	if h.supports("fetch") {
		return h.fetchViaFetch(req)
	}
	if h.supports("import") {
		return h.fetchViaImport(req)
	}
	return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("ext: helper %q supports neither fetch nor import", helperName(h.ep.Protocol)))
}

func (h *Helper) fetchViaFetch(req *transport.FetchRequest) (*transport.FetchResponse, error) {
	byID := make(map[string]string, len(h.advertised))
	for _, r := range h.advertised {
		byID[r.NewID.String()] = r.Name
	}
	for _, id := range req.Wants {
		name := byID[id.String()]
		if name == "" {
			name = id.String()
		}
		if err := h.writeLine(fmt.Sprintf("fetch %s %s", id.String(), name)); err != nil {
			return nil, err
		}
	}
	if err := h.writeLine(""); err != nil {
		return nil, err
	}

	resp := &transport.FetchResponse{Stats: &storer.PackStats{}}
	lines, err := h.readBlock()
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "lock "):
			resp.PackLockfiles = append(resp.PackLockfiles, strings.TrimPrefix(l, "lock "))
		case l == "connectivity-ok":
			resp.Stats.SelfContainedAndConnected = true
		}
	}
	return resp, nil
}

// fetchViaImport handles the "import" capability variant: the helper is
// driven with one "import <name>" command per wanted ref and produces a
// fast-import stream on its stdout. Piping that stream through an actual
// fast-import child process is an object-store concern; this layer
// exposes the raw stream to req.PackWriter, which is expected to
// understand (or reject) the fast-import framing.
func (h *Helper) fetchViaImport(req *transport.FetchRequest) (*transport.FetchResponse, error) {
	byID := make(map[string]string, len(h.advertised))
	for _, r := range h.advertised {
		byID[r.NewID.String()] = r.Name
	}
	for _, id := range req.Wants {
		name := byID[id.String()]
		if name == "" {
			name = id.String()
		}
		if err := h.writeLine(fmt.Sprintf("import %s", name)); err != nil {
			return nil, err
		}
	}
	if req.PackWriter == nil {
		return &transport.FetchResponse{}, nil
	}
	stats, err := req.PackWriter.WritePack(h.stdout, storer.PackWriteOptions{})
	if err != nil {
		return nil, transport.NewError(transport.KindPack, err)
	}
	return &transport.FetchResponse{Stats: stats}, nil
}

// Push implements transport.Transport.
func (h *Helper) Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error) {
	if !h.supports("push") {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("ext: helper %q does not support push", helperName(h.ep.Protocol)))
	}
	for _, r := range req.Refs {
		src := r.Name
		if r.PeerRef != nil {
			src = r.PeerRef.Name
		}
		if r.Deletion() {
			src = ""
		}
		spec := src + ":" + r.Name
		if r.Force {
			spec = "+" + spec
		}
		if err := h.writeLine("push " + spec); err != nil {
			return nil, err
		}
	}
	if err := h.writeLine(""); err != nil {
		return nil, err
	}

	byName := make(map[string]*ref.Ref, len(req.Refs))
	for _, r := range req.Refs {
		byName[r.Name] = r
	}
	lines, err := h.readBlock()
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "ok "):
			name := strings.TrimPrefix(l, "ok ")
			if r, ok := byName[name]; ok {
				r.Status = ref.StatusOK
			}
		case strings.HasPrefix(l, "error "):
			rest := strings.TrimPrefix(l, "error ")
			name, msg, _ := strings.Cut(rest, " ")
			if r, ok := byName[name]; ok {
				r.Status = ref.StatusRemoteReject
				r.RemoteStatus = msg
			}
		}
	}
	return &transport.PushResponse{}, nil
}

// Connect implements transport.Transport: issues
// "stateless-connect <service>\n"; an empty-packet reply means the
// helper is handing over raw bidirectional framing on its own
// stdin/stdout, which the caller (typically plumbing/transport/git)
// drives directly from here on.
func (h *Helper) Connect(ctx context.Context, service string) (transport.Connection, error) {
	if !h.supports("stateless-connect") {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("ext: helper %q does not support stateless-connect", helperName(h.ep.Protocol)))
	}
	if err := h.writeLine("stateless-connect " + service); err != nil {
		return nil, err
	}
	reply, err := h.stdout.ReadString('\n')
	if err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if strings.TrimRight(reply, "\n") == "fallback" {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("ext: helper %q declined stateless-connect", helperName(h.ep.Protocol)))
	}
	conn := &helperConn{w: h.stdin, r: h.stdout, closer: h.stdin}
	h.connected = conn
	return conn, nil
}

type helperConn struct {
	w      io.Writer
	r      io.Reader
	closer io.Closer
}

func (c *helperConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *helperConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *helperConn) Close() error                { return c.closer.Close() }

// Disconnect implements transport.Transport.
func (h *Helper) Disconnect() error {
	_ = h.stdin.Close()
	return h.cmd.Wait()
}

func (h *Helper) Capabilities() *capability.List { return h.vcaps }

func (h *Helper) Version() protocol.Version { return protocol.V0 }
