package git

import (
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

// roundPacer lets the transport pace "have" batches using the richer
// round-doubling policy plumbing/transport/negotiate.Negotiator
// implements, without this package depending on that concrete type.
type roundPacer interface {
	BeginRound()
	RoundExhausted() bool
}

// Fetch implements transport.Transport. v0/v1 drives a stateful
// want/have/done exchange; v2 frames one "fetch" command.
func (s *Session) Fetch(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	if s.advertised == nil {
		if _, err := s.GetRefs(ctx, transport.ListOptions{}); err != nil {
			return nil, err
		}
	}
	if s.version == protocol.VersionUnknown {
		s.version = protocol.V0
	}
	if s.version == protocol.V2 {
		return s.fetchV2(ctx, req)
	}
	return s.fetchV0(ctx, req)
}

func (s *Session) fetchV0(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
	w := pktline.NewWriter(s.conn)
	multiACK := s.caps.Supports(capability.MultiACKDetailed) || s.caps.Supports(capability.MultiACK)
	useSideband := s.caps.Supports(capability.SideBand64k) || s.caps.Supports(capability.SideBand)

	if err := s.writeWants(w, req); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	if err := s.writeDepthLines(w, req); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}
	for _, sh := range req.Shallows {
		if _, err := w.WriteFmt("shallow %s\n", sh.String()); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
	}
	if err := w.WriteFlush(); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	pr := pktline.NewReader(s.br)
	pr.ChompNewline = true
	pr.StripErrPrefix = true

	neg := req.Negotiator
	pacer, paced := neg.(roundPacer)

	readyOrDone := false
	doneSent := false
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
			if _, err := w.WriteFmt("have %s\n", id.String()); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
			sent++
		}

		exhausted := neg.Exhausted()
		if sent == 0 || exhausted {
			if _, err := w.WriteFmt("done\n"); err != nil {
				return nil, transport.NewError(transport.KindIO, err)
			}
			doneSent = true
			readyOrDone = true
		} else if err := w.WriteFlush(); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}

		ready, final, err := s.readAcks(pr, neg, multiACK)
		if err != nil {
			return nil, err
		}
		if ready || final {
			readyOrDone = true
		}
	}

	// A "ready" ACK ends negotiation mid-round; the protocol still wants
	// an explicit done, answered by one final ACK/NAK line before the
	// pack begins.
	if !doneSent {
		if _, err := w.WriteFmt("done\n"); err != nil {
			return nil, transport.NewError(transport.KindIO, err)
		}
		if _, _, err := s.readAcks(pr, neg, multiACK); err != nil {
			return nil, err
		}
	}

	stats, shallows, unshallows, err := s.receivePackV0(pr, req, useSideband)
	if err != nil {
		return nil, err
	}
	return &transport.FetchResponse{Stats: stats, Shallows: shallows, Unshallows: unshallows}, nil
}

// initialHaveBatch is the have batch size used when the negotiator
// doesn't implement roundPacer (e.g. negotiate.Noop).
const initialHaveBatch = 16

// readAcks drains one round's NAK/ACK response. ready reports a
// multi_ack_detailed "ready" (the remote has enough to build the
// pack); final reports an ordinary ACK/NAK that ends
// negotiation outright (no multi_ack capability negotiated).
func (s *Session) readAcks(pr *pktline.Reader, neg transport.Negotiator, multiACK bool) (ready, final bool, err error) {
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
			id, perr := s.hashAlgo.ParseHex(fields[1])
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

func (s *Session) writeWants(w *pktline.Writer, req *transport.FetchRequest) error {
	var caps []string
	if s.caps.Supports(capability.MultiACKDetailed) {
		caps = append(caps, string(capability.MultiACKDetailed))
	} else if s.caps.Supports(capability.MultiACK) {
		caps = append(caps, string(capability.MultiACK))
	}
	if s.caps.Supports(capability.SideBand64k) {
		caps = append(caps, string(capability.SideBand64k))
	} else if s.caps.Supports(capability.SideBand) {
		caps = append(caps, string(capability.SideBand))
	}
	if s.caps.Supports(capability.OFSDelta) {
		caps = append(caps, string(capability.OFSDelta))
	}
	if s.caps.Supports(capability.ThinPack) {
		caps = append(caps, string(capability.ThinPack))
	}
	if req.IncludeTags && s.caps.Supports(capability.IncludeTag) {
		caps = append(caps, string(capability.IncludeTag))
	}
	if req.Depth != 0 && s.caps.Supports(capability.Shallow) {
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

func (s *Session) writeDepthLines(w *pktline.Writer, req *transport.FetchRequest) error {
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

// receivePackV0 consumes any shallow/unshallow deepen-response lines,
// then the packfile itself. Sideband-demuxed data is buffered in memory
// rather than streamed, trading peak memory for a far simpler single
// reader of s.br; the object store's own large-pack fallback
// (PackWriteOptions.MaxObjects) bounds what actually lands in one
// allocation downstream.
func (s *Session) receivePackV0(pr *pktline.Reader, req *transport.FetchRequest, useSideband bool) (*storer.PackStats, []hash.ObjectID, []hash.ObjectID, error) {
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
				id, _ := s.hashAlgo.ParseHex(strings.TrimPrefix(text, "shallow "))
				shallows = append(shallows, id)
			case strings.HasPrefix(text, "unshallow "):
				id, _ := s.hashAlgo.ParseHex(strings.TrimPrefix(text, "unshallow "))
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
			n, err := s.br.Read(buf)
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

// fetchV2 issues one "fetch" command with every want/have folded into a
// single request: a stateless v2 client has no persistent connection to
// resume across rounds.
func (s *Session) fetchV2(ctx context.Context, req *transport.FetchRequest) (*transport.FetchResponse, error) {
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

	w := pktline.NewWriter(s.conn)
	if err := writeV2Command(w, "fetch", nil, args); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	pr := pktline.NewReader(s.br)
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
			if err := s.consumeV2Section(pr, func(l string) {
				if id, perr := s.hashAlgo.ParseHex(strings.TrimPrefix(l, "ACK ")); perr == nil && strings.HasPrefix(l, "ACK ") {
					neg.Ack(id)
				}
			}); err != nil {
				return nil, err
			}
		case "shallow-info":
			if err := s.consumeV2Section(pr, func(l string) {
				switch {
				case strings.HasPrefix(l, "shallow "):
					id, _ := s.hashAlgo.ParseHex(strings.TrimPrefix(l, "shallow "))
					resp.Shallows = append(resp.Shallows, id)
				case strings.HasPrefix(l, "unshallow "):
					id, _ := s.hashAlgo.ParseHex(strings.TrimPrefix(l, "unshallow "))
					resp.Unshallows = append(resp.Unshallows, id)
				}
			}); err != nil {
				return nil, err
			}
		case "wanted-refs":
			if err := s.consumeV2Section(pr, func(l string) {
				id, name, ok := strings.Cut(l, " ")
				if !ok {
					return
				}
				oid, perr := s.hashAlgo.ParseHex(id)
				if perr != nil {
					return
				}
				resp.WantedRefs = append(resp.WantedRefs, &ref.Ref{Name: name, NewID: oid})
			}); err != nil {
				return nil, err
			}
		case "packfile":
			stats, err := s.consumeV2Packfile(pr, req)
			if err != nil {
				return nil, err
			}
			resp.Stats = stats
		default:
			if err := s.consumeV2Section(pr, func(string) {}); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

func (s *Session) consumeV2Section(pr *pktline.Reader, fn func(line string)) error {
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

// consumeV2Packfile reads the sideband-framed packfile section until the
// next delimiter/response-end, buffering pack data in memory (see
// receivePackV0's note on the same tradeoff).
func (s *Session) consumeV2Packfile(pr *pktline.Reader, req *transport.FetchRequest) (*storer.PackStats, error) {
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
