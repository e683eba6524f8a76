package packp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
)

// ErrEmptyAdvRefs is returned when the stream ends without producing even
// the mandatory first line.
var ErrEmptyAdvRefs = errors.New("packp: empty advertisement")

// noHeadMarker is the synthetic ref name a server with zero refs still
// advertises, purely to carry capabilities and let the client learn the
// server's object format.
const noHeadMarker = "capabilities^{}"

// AdvRefs is the v0/v1 ref advertisement: the list of refs a server offers
// at the start of a smart-transport session, plus the capabilities it
// supports and the shallow boundary it is currently serving from.
type AdvRefs struct {
	// Prefix holds any "# service=..." framing lines a dumb-HTTP-style
	// smart endpoint wraps the advertisement in, each already stripped of
	// its trailing flush packet.
	Prefix [][]byte

	Refs         []*ref.Ref
	Capabilities *capability.List
	ObjectFormat hash.Algorithm
	Shallows     []hash.ObjectID

	// Empty reports whether the server advertised zero refs (the
	// capabilities^{} placeholder line only).
	Empty bool
}

// NewAdvRefs returns an empty advertisement ready to have refs appended.
func NewAdvRefs() *AdvRefs {
	return &AdvRefs{Capabilities: capability.NewList(), ObjectFormat: hash.SHA1}
}

// Decode parses a v0/v1 ref advertisement from r.
func (a *AdvRefs) Decode(r io.Reader) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, pktline.MaxSize)
	}
	pr := pktline.NewReader(br)
	pr.ChompNewline = true
	pr.StripErrPrefix = true

	if err := a.decodePrefix(br, pr); err != nil {
		return err
	}

	first := true
	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return err
		}
		if kind == pktline.Flush || kind == pktline.EOF {
			break
		}
		if kind != pktline.Normal {
			return fmt.Errorf("packp: unexpected packet kind %v in advertisement", kind)
		}

		id, rest, ok := bytes.Cut(line, []byte(" "))
		if !ok {
			return fmt.Errorf("packp: malformed advertisement line %q", line)
		}

		var capsBlob []byte
		if idx := bytes.IndexByte(rest, 0); idx >= 0 {
			capsBlob = rest[idx+1:]
			rest = rest[:idx]
		}

		name := string(rest)
		if first {
			first = false
			if len(capsBlob) > 0 {
				if err := a.Capabilities.Decode(capsBlob); err != nil {
					return err
				}
			}
			if a.Capabilities.Supports(capability.ObjectFormat) {
				if algo, ok := hash.ByName(a.Capabilities.Value(capability.ObjectFormat)); ok {
					a.ObjectFormat = algo
				}
			}
			if name == noHeadMarker {
				a.Empty = true
				continue
			}
		}

		objID, err := a.ObjectFormat.ParseHex(string(id))
		if err != nil {
			return fmt.Errorf("packp: %w", err)
		}
		a.Refs = append(a.Refs, &ref.Ref{Name: name, NewID: objID})
	}

	a.Refs = ref.ConsumePeeled(a.Refs)
	return nil
}

// decodePrefix consumes any leading "# service=" framing lines, each
// terminated by a flush, that dumb-HTTP-style smart endpoints prepend. It
// inspects the buffered bytes of br (the buffer pr reads from) so that a
// first line without the prefix is left unread for the ref loop.
func (a *AdvRefs) decodePrefix(br *bufio.Reader, pr *pktline.Reader) error {
	servicePrefix := []byte("# service=")
	for {
		kind, err := pr.Peek()
		if err != nil {
			return err
		}
		if kind != pktline.Normal {
			return nil
		}
		head, _ := br.Peek(4 + len(servicePrefix))
		if len(head) < 4+len(servicePrefix) || !bytes.HasPrefix(head[4:], servicePrefix) {
			return nil
		}
		_, _, line, err := pr.Read()
		if err != nil {
			return err
		}
		a.Prefix = append(a.Prefix, line)

		k2, err := pr.Peek()
		if err != nil {
			return err
		}
		if k2 == pktline.Flush {
			pr.Read() //nolint:errcheck
		}
	}
}

// Encode writes the advertisement to w in v0/v1 wire form.
func (a *AdvRefs) Encode(w io.Writer) error {
	pw := pktline.NewWriter(w)

	for _, line := range a.Prefix {
		if _, err := pw.WritePacket(append(append([]byte(nil), line...), '\n')); err != nil {
			return err
		}
		if err := pw.WriteFlush(); err != nil {
			return err
		}
	}

	caps := a.Capabilities.String()

	if a.Empty || len(a.Refs) == 0 {
		zero := hash.SHA1.Zero()
		if a.ObjectFormat.Size() != 0 {
			zero = a.ObjectFormat.Zero()
		}
		line := fmt.Sprintf("%s %s", zero.String(), noHeadMarker)
		if caps != "" {
			line += "\x00" + caps
		}
		if _, err := pw.WriteFmt("%s\n", line); err != nil {
			return err
		}
		return pw.WriteFlush()
	}

	for i, r := range a.Refs {
		line := fmt.Sprintf("%s %s", r.NewID.String(), r.Name)
		if i == 0 && caps != "" {
			line += "\x00" + caps
		}
		if _, err := pw.WriteFmt("%s\n", line); err != nil {
			return err
		}
		if len(r.Peeled) > 0 {
			if _, err := pw.WriteFmt("%s %s^{}\n", r.Peeled.String(), r.Name); err != nil {
				return err
			}
		}
	}
	return pw.WriteFlush()
}
