package git

import (
	"strings"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

// writeV2Command frames a v2 command request: "command=<name>", any
// capability arguments, then, only when args is non-empty, a delim packet
// and one packet per arg line, and a closing flush.
func writeV2Command(w *pktline.Writer, name string, caps []string, args []string) error {
	if _, err := w.WriteFmt("command=%s\n", name); err != nil {
		return err
	}
	for _, c := range caps {
		if _, err := w.WriteFmt("%s\n", c); err != nil {
			return err
		}
	}
	if len(args) > 0 {
		if err := w.WriteDelim(); err != nil {
			return err
		}
		for _, a := range args {
			if _, err := w.WriteFmt("%s\n", a); err != nil {
				return err
			}
		}
	}
	return w.WriteFlush()
}

// lsRefsV2 issues the v2 ls-refs command and parses its response:
// one "<oid> <refname>" line per ref, optionally
// followed by " symref-target:<target>" and/or " peeled:<oid>".
func (s *Session) lsRefsV2(opts transport.ListOptions) ([]*ref.Ref, error) {
	args := make([]string, 0, len(opts.RefPrefixes)+len(opts.ExtraParams)+2)
	args = append(args, "symrefs", "peel")
	for _, p := range opts.RefPrefixes {
		args = append(args, "ref-prefix "+p)
	}
	args = append(args, opts.ExtraParams...)

	w := pktline.NewWriter(s.conn)
	if err := writeV2Command(w, "ls-refs", nil, args); err != nil {
		return nil, transport.NewError(transport.KindIO, err)
	}

	pr := pktline.NewReader(s.br)
	pr.ChompNewline = true
	pr.StripErrPrefix = true

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
		r, err := decodeLsRefsLine(s.hashAlgo, line)
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
		return nil, transport.NewError(transport.KindProtocol, errMalformedLsRefs(line))
	}
	id, err := algo.ParseHex(fields[0])
	if err != nil {
		return nil, err
	}
	r := &ref.Ref{Name: fields[1], NewID: id}
	for _, extra := range fields[2:] {
		switch {
		case strings.HasPrefix(extra, "symref-target:"):
			r.Symref = strings.TrimPrefix(extra, "symref-target:")
		case strings.HasPrefix(extra, "peeled:"):
			peeled, err := algo.ParseHex(strings.TrimPrefix(extra, "peeled:"))
			if err == nil {
				r.Peeled = peeled
			}
		}
	}
	return r, nil
}

type errMalformedLsRefs []byte

func (e errMalformedLsRefs) Error() string {
	return "git: malformed ls-refs line " + string(e)
}
