package packp

import (
	"fmt"
	"io"
	"strings"

	"github.com/dagsync/core/plumbing/format/pktline"
)

// ReportStatus is the push status report:
// "unpack ok" or "unpack <err>", followed by one "ok <ref>" / "ng <ref>
// <reason>" per pushed ref.
type ReportStatus struct {
	UnpackStatus    string
	CommandStatuses []CommandStatus
}

// CommandStatus is one ref's reported outcome.
type CommandStatus struct {
	RefName string
	// OK is true for "ok <ref>"; Message holds the reason for "ng <ref> <reason>".
	OK      bool
	Message string
}

// DecodeReportStatus parses a report-status(-v2) response:
// given "unpack ok\nok refs/heads/a\nng refs/heads/b reason text\n0000",
// it returns UnpackStatus "ok", an OK entry for refs/heads/a, and a
// not-OK entry for refs/heads/b with Message "reason text". Mapping those
// entries onto ref statuses is left to the caller.
func DecodeReportStatus(r io.Reader) (*ReportStatus, error) {
	pr := pktline.NewReader(r)
	pr.ChompNewline = true
	pr.StripErrPrefix = true

	kind, _, line, err := pr.Read()
	if err != nil {
		return nil, err
	}
	if kind != pktline.Normal {
		return nil, fmt.Errorf("packp: missing unpack status line")
	}
	fields := strings.SplitN(string(line), " ", 2)
	if len(fields) != 2 || fields[0] != "unpack" {
		return nil, fmt.Errorf("packp: malformed unpack status %q", line)
	}

	rs := &ReportStatus{UnpackStatus: fields[1]}

	for {
		kind, _, line, err := pr.Read()
		if err != nil {
			return nil, err
		}
		if kind == pktline.Flush || kind == pktline.EOF {
			break
		}
		if kind != pktline.Normal {
			continue
		}
		cs, err := decodeCommandStatus(line)
		if err != nil {
			return nil, err
		}
		rs.CommandStatuses = append(rs.CommandStatuses, cs)
	}
	return rs, nil
}

func decodeCommandStatus(line []byte) (CommandStatus, error) {
	fields := strings.SplitN(string(line), " ", 3)
	switch {
	case len(fields) == 2 && fields[0] == "ok":
		return CommandStatus{RefName: fields[1], OK: true}, nil
	case len(fields) == 3 && fields[0] == "ng":
		return CommandStatus{RefName: fields[1], OK: false, Message: fields[2]}, nil
	default:
		return CommandStatus{}, fmt.Errorf("packp: malformed command status %q", line)
	}
}

// EncodeReportStatus writes rs in the wire form DecodeReportStatus parses.
func EncodeReportStatus(w io.Writer, rs *ReportStatus) error {
	pw := pktline.NewWriter(w)
	if _, err := pw.WriteFmt("unpack %s\n", rs.UnpackStatus); err != nil {
		return err
	}
	for _, cs := range rs.CommandStatuses {
		if cs.OK {
			if _, err := pw.WriteFmt("ok %s\n", cs.RefName); err != nil {
				return err
			}
		} else {
			if _, err := pw.WriteFmt("ng %s %s\n", cs.RefName, cs.Message); err != nil {
				return err
			}
		}
	}
	return pw.WriteFlush()
}
