package http

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/storer"
	"github.com/dagsync/core/plumbing/transport"
)

// roundPacer mirrors plumbing/transport/git's interface of the same
// name: it lets the negotiator pace "have" batches per round without a
// hard dependency on the concrete negotiate.Negotiator type.
type roundPacer interface {
	BeginRound()
	RoundExhausted() bool
}

const initialHaveBatch = 16

// Fetch implements transport.Transport. v0/v1 negotiation is
// stateless-RPC: each round is its own POST carrying the haves
// accumulated so far, since there's no persistent socket to keep state
// on. v2 sends every want and have in a single self-contained POST and
// runs no further negotiation rounds after it.
func (t *Transport) Fetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	if t.advertised == nil {
		if _, err := t.GetRefs(ctx, transport.ListOptions{}); err != nil {
			return nil, err
		}
	}
	if !t.isSmart {
		return t.dumbFetch(ctx, req)
	}
	if t.version == protocol.V2 {
		return t.fetchV2(ctx, req)
	}
	return t.fetchV0(ctx, req)
}

func (t *Transport) fetchV0(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	multiACK := t.caps.Supports(capability.MultiACKDetailed) || t.caps.Supports(capability.MultiACK)
	useSideband := t.caps.Supports(capability.SideBand64k) || t.caps.Supports(capability.SideBand)

	var first bytes.Buffer
	fw := pktline.NewWriter(&first)
	if err := t.writeWants(fw, req); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if err := t.writeDepthLines(fw, req); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	for _, sh := range req.Shallows {
		if _, err := fw.WriteFmt("shallow %s\n", sh.String()); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
	}

	neg := req.Negotiator
	pacer, paced := neg.(roundPacer)

	var body bytes.Buffer
	body.Write(first.Bytes())
	bw := pktline.NewWriter(&body)

	readyOrDone := false
	var pr *pktline.Reader
	var br *bufio.Reader
	var respBody interface{ Close() error }
	for !readyOrDone {
		if paced {
			pacer.BeginRound()
		}
		sent := 0
		for {
			if paced && pacer.RoundExhausted() {
				break
			}
			if !paced && sent >= initialHaveBatch {
				break
			}
			id, ok := neg.Next()
			if !ok {
				break
			}
			if _, err := bw.WriteFmt("have %s\n", id.String()); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
			sent++
		}

		exhausted := neg.Exhausted()
		if sent == 0 || exhausted {
			if _, err := bw.WriteFmt("done\n"); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
			readyOrDone = true
		} else if err := bw.WriteFlush(); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}

		rc, err := t.postSmart(ctx, "git-upload-pack", body.Bytes())
		if err != nil {
			return nil, err
		}
		br = bufio.NewReaderSize(rc, pktline.MaxSize)
		pr = pktline.NewReader(br)
		pr.ChompNewline = true
		pr.StripErrPrefix = true
		respBody = rc

		ready, final, err := t.readAcks(pr, neg, multiACK)
		if err != nil {
			rc.Close()
			return nil, err
		}
		if readyOrDone {
			break
		}
		if ready || final {
			// The request that elicited "ready" carried no done, so its
			// response carries no pack. One final POST appends done and
			// the server answers with the closing ACK/NAK plus the pack.
			rc.Close()
			if _, err := bw.WriteFmt("done\n"); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
			rc, err = t.postSmart(ctx, "git-upload-pack", body.Bytes())
			if err != nil {
				return nil, err
			}
			br = bufio.NewReaderSize(rc, pktline.MaxSize)
			pr = pktline.NewReader(br)
			pr.ChompNewline = true
			pr.StripErrPrefix = true
			respBody = rc
			if _, _, err := t.readAcks(pr, neg, multiACK); err != nil {
				rc.Close()
				return nil, err
			}
			readyOrDone = true
			break
		}
		rc.Close()
		// body is never reset: stateless RPC means each POST is handled
		// by a fresh server-side process with no memory of prior rounds,
		// so the next POST must replay the full conversation so far:
		// wants/shallow/deepen lines plus every have sent in every
		// previous round, not just this one.
	}
	defer respBody.Close()

	stats, shallows, unshallows, err := t.receivePackV0(pr, br, req, useSideband)
	if err != nil {
		return nil, err
	}
	return &transport.FetchResponse{Stats: stats, Shallows: shallows, Unshallows: unshallows}, nil
}

func (t *Transport) readAcks(pr *pktline.Reader, neg transport.Negotiator, multiACK bool) (ready, final bool, err error) {
	for {
		kind, _, line, rerr := pr.Read()
		if rerr != nil {
			return false, false, transport.NewError(transport.KindProtocol, rerr)
		}
		if kind == pktline.Flush {
			return ready, false, nil
		}
		if kind != pktline.Normal {
			continue
		}
		text := string(line)
		switch {
		case text == "NAK":
			return ready, !multiACK, nil
		case strings.HasPrefix(text, "ACK "):
			fields := strings.Fields(text)
			if len(fields) < 2 {
				continue
			}
			id, perr := t.hashAlgo.ParseHex(fields[1])
			if perr != nil {
				continue
			}
			if len(fields) == 2 {
				return false, true, nil
			}
			neg.Ack(id)
			if fields[2] == "ready" {
				ready = true
			}
		}
	}
}

func (t *Transport) writeWants(w *pktline.Writer, req *transport.FetchRequest) error {
	var caps []string
	if t.caps.Supports(capability.MultiACKDetailed) {
		caps = append(caps, string(capability.MultiACKDetailed))
	} else if t.caps.Supports(capability.MultiACK) {
		caps = append(caps, string(capability.MultiACK))
	}
	if t.caps.Supports(capability.SideBand64k) {
		caps = append(caps, string(capability.SideBand64k))
	} else if t.caps.Supports(capability.SideBand) {
		caps = append(caps, string(capability.SideBand))
	}
	if t.caps.Supports(capability.OFSDelta) {
		caps = append(caps, string(capability.OFSDelta))
	}
	if t.caps.Supports(capability.ThinPack) {
		caps = append(caps, string(capability.ThinPack))
	}
	if req.IncludeTags && t.caps.Supports(capability.IncludeTag) {
		caps = append(caps, string(capability.IncludeTag))
	}
	if req.Depth != 0 && t.caps.Supports(capability.Shallow) {
		caps = append(caps, string(capability.Shallow))
	}
	caps = append(caps, string(capability.Agent)+"="+capability.DefaultAgent())

	for i, id := range req.Wants {
		line := fmt.Sprintf("want %s", id.String())
		if i == 0 && len(caps) > 0 {
			line += " " + strings.Join(caps, " ")
		}
		if _, err := w.WriteFmt("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) writeDepthLines(w *pktline.Writer, req *transport.FetchRequest) error {
	if req.Depth > 0 {
		if _, err := w.WriteFmt("deepen %d\n", req.Depth); err != nil {
			return err
		}
	}
	if req.DeepenSince != 0 {
		if _, err := w.WriteFmt("deepen-since %d\n", req.DeepenSince); err != nil {
			return err
		}
	}
	for _, rev := range req.DeepenNot {
		if _, err := w.WriteFmt("deepen-not %s\n", rev); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) receivePackV0(pr *pktline.Reader, br *bufio.Reader, req *transport.FetchRequest, useSideband bool) (*storer.PackStats, []hash.ObjectID, []hash.ObjectID, error) {
	var shallows, unshallows []hash.ObjectID
	if req.Depth != 0 || req.DeepenSince != 0 || len(req.DeepenNot) > 0 {
		for {
			kind, _, line, err := pr.Read()
			if err != nil {
				return nil, nil, nil, transport.NewError(transport.KindProtocol, err)
			}
			if kind == pktline.Flush {
				break
			}
			if kind != pktline.Normal {
				continue
			}
			text := string(line)
			switch {
			case strings.HasPrefix(text, "shallow "):
				id, _ := t.hashAlgo.ParseHex(strings.TrimPrefix(text, "shallow "))
				shallows = append(shallows, id)
			case strings.HasPrefix(text, "unshallow "):
				id, _ := t.hashAlgo.ParseHex(strings.TrimPrefix(text, "unshallow "))
				unshallows = append(unshallows, id)
			default:
				goto pack
			}
		}
	}
pack:
	if req.PackWriter == nil {
		return nil, shallows, unshallows, nil
	}

	var pack bytes.Buffer
	pr.ChompNewline = false
	if useSideband {
		for {
			kind, _, payload, err := pr.Read()
			if err != nil {
				return nil, shallows, unshallows, transport.NewError(transport.KindProtocol, err)
			}
			if kind == pktline.Flush || kind == pktline.EOF {
				break
			}
			if kind != pktline.Normal || len(payload) == 0 {
				continue
			}
			switch payload[0] {
			case pktline.SidebandPackData:
				pack.Write(payload[1:])
			case pktline.SidebandFatal:
				return nil, shallows, unshallows, transport.NewError(transport.KindRemoteReject, &pktline.ErrFatalChannel{Message: string(payload[1:])})
			}
		}
	} else {
		buf := make([]byte, 32*1024)
		for {
			n, err := br.Read(buf)
			if n > 0 {
				pack.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
	}

	stats, err := req.PackWriter.WritePack(&pack, storer.PackWriteOptions{Thin: true})
	if err != nil {
		return nil, shallows, unshallows, transport.NewError(transport.KindPack, err)
	}
	return stats, shallows, unshallows, nil
}

func (t *Transport) fetchV2(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	var args []string
	for _, id := range req.Wants {
		args = append(args, "want "+id.String())
	}
	neg := req.Negotiator
	for {
		id, ok := neg.Next()
		if !ok {
			break
		}
		args = append(args, "have "+id.String())
		if neg.Exhausted() {
			break
		}
	}
	args = append(args, "done")
	if req.Depth > 0 {
		args = append(args, fmt.Sprintf("deepen %d", req.Depth))
	}
	if req.DeepenSince != 0 {
		args = append(args, fmt.Sprintf("deepen-since %d", req.DeepenSince))
	}
	for _, rev := range req.DeepenNot {
		args = append(args, "deepen-not "+rev)
	}
	for _, sh := range req.Shallows {
		args = append(args, "shallow "+sh.String())
	}
	if req.Filter != "" {
		args = append(args, "filter "+req.Filter)
	}
	if req.IncludeTags {
		args = append(args, "include-tag")
	}
	args = append(args, "ofs-delta", "thin-pack")

	rc, err := t.postV2Command(ctx, "fetch", args)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, pktline.MaxSize)
	pr := pktline.NewReader(br)
	pr.ChompNewline = true
	pr.StripErrPrefix = true

	resp := &transport.FetchResponse{}
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return nil, transport.NewError(transport.KindProtocol, err)
		}
		if kind == pktline.ResponseEnd || kind == pktline.EOF {
			break
		}
		if kind == pktline.Delim || kind == pktline.Flush {
			continue
		}
		text := string(line)
		switch text {
		case "acknowledgments":
			if err := t.consumeV2Section(pr, func(l string) {
				if id, perr := t.hashAlgo.ParseHex(strings.TrimPrefix(l, "ACK ")); perr == nil && strings.HasPrefix(l, "ACK ") {
					neg.Ack(id)
				}
			}); err != nil {
				return nil, err
			}
		case "shallow-info":
			if err := t.consumeV2Section(pr, func(l string) {
				switch {
				case strings.HasPrefix(l, "shallow "):
					id, _ := t.hashAlgo.ParseHex(strings.TrimPrefix(l, "shallow "))
					resp.Shallows = append(resp.Shallows, id)
				case strings.HasPrefix(l, "unshallow "):
					id, _ := t.hashAlgo.ParseHex(strings.TrimPrefix(l, "unshallow "))
					resp.Unshallows = append(resp.Unshallows, id)
				}
			}); err != nil {
				return nil, err
			}
		case "wanted-refs":
			if err := t.consumeV2Section(pr, func(l string) {
				id, name, ok := strings.Cut(l, " ")
				if !ok {
					return
				}
				oid, perr := t.hashAlgo.ParseHex(id)
				if perr != nil {
					return
				}
				resp.WantedRefs = append(resp.WantedRefs, &ref.Ref{Name: name, NewID: oid})
			}); err != nil {
				return nil, err
			}
		case "packfile":
			stats, err := t.consumeV2Packfile(pr, req)
			if err != nil {
				return nil, err
			}
			resp.Stats = stats
		default:
			if err := t.consumeV2Section(pr, func(string) {}); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func (t *Transport) consumeV2Section(pr *pktline.Reader, fn func(line string)) error {
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return transport.NewError(transport.KindProtocol, err)
		}
		if kind == pktline.Delim || kind == pktline.ResponseEnd {
			return nil
		}
		if kind != pktline.Normal {
			continue
		}
		fn(string(line))
	}
}

func (t *Transport) consumeV2Packfile(pr *pktline.Reader, req *transport.FetchRequest) (*storer.PackStats, error) {
	var pack bytes.Buffer
	pr.ChompNewline = false
	for {
		kind, _, payload, err := pr.Read()
		if err != nil {
			return nil, transport.NewError(transport.KindProtocol, err)
		}
		if kind == pktline.Delim || kind == pktline.ResponseEnd {
			break
		}
		if kind != pktline.Normal || len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case pktline.SidebandPackData:
			pack.Write(payload[1:])
		case pktline.SidebandFatal:
			return nil, transport.NewError(transport.KindRemoteReject, &pktline.ErrFatalChannel{Message: string(payload[1:])})
		}
	}
	pr.ChompNewline = true
	if req.PackWriter == nil {
		return nil, nil
	}
	stats, err := req.PackWriter.WritePack(&pack, storer.PackWriteOptions{Thin: true})
	if err != nil {
		return nil, transport.NewError(transport.KindPack, err)
	}
	return stats, nil
}

func (t *Transport) lsRefsV2(ctx context.Context, opts transport.ListOptions) ([]*ref.Ref, error) {
	var args []string
	args = append(args, "symrefs", "peel")
	for _, p := range opts.RefPrefixes {
		args = append(args, "ref-prefix "+p)
	}
	args = append(args, opts.ExtraParams...)

	rc, err := t.postV2Command(ctx, "ls-refs", args)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	pr := pktline.NewReader(rc)
	pr.ChompNewline = true

	var refs []*ref.Ref
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return nil, transport.NewError(transport.KindProtocol, err)
		}
		if kind == pktline.Flush || kind == pktline.EOF {
			break
		}
		if kind != pktline.Normal {
			continue
		}
		r, err := decodeLsRefsLine(t.hashAlgo, line)
		if err != nil {
			return nil, transport.NewError(transport.KindProtocol, err)
		}
		refs = append(refs, r)
	}
	return ref.ConsumePeeled(refs), nil
}

func decodeLsRefsLine(algo hash.Algorithm, line []byte) (*ref.Ref, error) {
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return nil, fmt.Errorf("http: malformed ls-refs line %q", line)
	}
	id, err := algo.ParseHex(fields[0])
	if err != nil {
		return nil, err
	}
	r := &ref.Ref{Name: fields[1], NewID: id}
	for _, attr := range fields[2:] {
		switch {
		case strings.HasPrefix(attr, "symref-target:"):
			r.Symref = strings.TrimPrefix(attr, "symref-target:")
		case strings.HasPrefix(attr, "peeled:"):
			peeled, err := algo.ParseHex(strings.TrimPrefix(attr, "peeled:"))
			if err == nil {
				r.Peeled = peeled
			}
		}
	}
	return r, nil
}
