package http

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

// Push implements transport.Transport over the smart HTTP RPC adapter.
// Like plumbing/transport/git.Session.Push, it never speaks protocol v2
// for push: a v2 push command was never standardized, so a session that
// negotiated v2 is refused with a KindUnsupported error, and push speaks
// only the v0/v1 request/response grammar for git-receive-pack.
func (t *Transport) Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error) {
	if t.advertised == nil {
		if _, err := t.GetRefs(ctx, transport.ListOptions{ForPush: true}); err != nil {
			return nil, err
		}
	}
	if !t.isSmart {
		return nil, transport.NewError(transport.KindUnsupported,
			fmt.Errorf("http: remote %s only speaks the dumb protocol, which has no push", t.ep.String()))
	}
	if t.version == protocol.V2 {
		return nil, transport.NewError(transport.KindUnsupported, fmt.Errorf("http: push is not supported over protocol v2"))
	}

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	reportStatus := t.caps.Supports(capability.ReportStatus)

	var caps []string
	if reportStatus {
		caps = append(caps, string(capability.ReportStatus))
	}
	if req.Atomic && t.caps.Supports(capability.Atomic) {
		caps = append(caps, string(capability.Atomic))
	}
	if len(req.PushOptions) > 0 && t.caps.Supports(capability.PushOptions) {
		caps = append(caps, string(capability.PushOptions))
	}
	caps = append(caps, string(capability.Agent)+"="+capability.DefaultAgent())

	if req.Cert != "" {
		if err := writePushCert(w, caps, req.Cert); err != nil {
			return nil, err
		}
	} else {
		for i, r := range req.Refs {
			old := r.OldID
			if old == nil {
				old = t.hashAlgo.Zero()
			}
			newID := r.NewID
			if newID == nil {
				newID = t.hashAlgo.Zero()
			}
			line := fmt.Sprintf("%s %s %s", old.String(), newID.String(), r.Name)
			if i == 0 && len(caps) > 0 {
				line += "\x00" + joinCaps(caps)
			}
			if _, err := w.WriteFmt("%s\n", line); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
		}
		if err := w.WriteFlush(); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
	}

	if len(req.PushOptions) > 0 && t.caps.Supports(capability.PushOptions) {
		for _, opt := range req.PushOptions {
			if _, err := w.WriteFmt("%s\n", opt); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
		}
		if err := w.WriteFlush(); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
	}

	if req.Packfile != nil {
		data, err := req.Packfile()
		if err != nil {
			return nil, transport.NewError(transport.KindPack, err)
		}
		buf.Write(data)
	}

	rc, err := t.postSmart(ctx, "git-receive-pack", buf.Bytes())
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if !reportStatus {
		return &transport.PushResponse{}, nil
	}

	rs, err := packp.DecodeReportStatus(bufio.NewReader(rc))
	if err != nil {
		return nil, transport.NewError(transport.KindProtocol, err)
	}
	applyReportStatus(req.Refs, rs)
	return &transport.PushResponse{}, nil
}

func joinCaps(caps []string) string {
	out := caps[0]
	for _, c := range caps[1:] {
		out += " " + c
	}
	return out
}

// writePushCert mirrors plumbing/transport/git's helper of the same
// name: it frames a signed push certificate as the wire protocol's
// "push-cert" pseudo-command.
func writePushCert(w *pktline.Writer, caps []string, cert string) error {
	first := "push-cert"
	if len(caps) > 0 {
		first += "\x00" + joinCaps(caps)
	}
	if _, err := w.WriteFmt("%s\n", first); err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	for _, line := range splitCertLines(cert) {
		if _, err := w.WriteFmt("%s\n", line); err != nil {
			return transport.NewError(transport.KindIO, err)
		}
	}
	if _, err := w.WriteFmt("push-cert-end\n"); err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	if err := w.WriteFlush(); err != nil {
		return transport.NewError(transport.KindIO, err)
	}
	return nil
}

func splitCertLines(cert string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(cert); i++ {
		if cert[i] == '\n' {
			lines = append(lines, cert[start:i])
			start = i + 1
		}
	}
	if start < len(cert) {
		lines = append(lines, cert[start:])
	}
	return lines
}

func applyReportStatus(refs []*ref.Ref, rs *packp.ReportStatus) {
	byName := make(map[string]*ref.Ref, len(refs))
	for _, r := range refs {
		byName[r.Name] = r
	}
	if rs.UnpackStatus != "ok" {
		for _, r := range refs {
			r.Status = ref.StatusRemoteReject
			r.RemoteStatus = rs.UnpackStatus
		}
		return
	}
	for _, cs := range rs.CommandStatuses {
		r, ok := byName[cs.RefName]
		if !ok {
			continue
		}
		if cs.OK {
			r.Status = ref.StatusOK
		} else {
			r.Status = ref.StatusRemoteReject
			r.RemoteStatus = cs.Message
		}
	}
}
