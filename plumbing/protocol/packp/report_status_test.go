package packp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReportStatus(t *testing.T) {
	raw := "unpack ok\nok refs/heads/a\nng refs/heads/b reason text\n0000"
	pkt := func(s string) string {
		if s == "" {
			return "0000"
		}
		n := len(s) + 4
		return hexlen(n) + s
	}
	var buf bytes.Buffer
	buf.WriteString(pkt("unpack ok\n"))
	buf.WriteString(pkt("ok refs/heads/a\n"))
	buf.WriteString(pkt("ng refs/heads/b reason text\n"))
	buf.WriteString("0000")
	_ = raw

	rs, err := DecodeReportStatus(&buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", rs.UnpackStatus)
	require.Len(t, rs.CommandStatuses, 2)
	assert.Equal(t, CommandStatus{RefName: "refs/heads/a", OK: true}, rs.CommandStatuses[0])
	assert.Equal(t, CommandStatus{RefName: "refs/heads/b", OK: false, Message: "reason text"}, rs.CommandStatuses[1])
}

func hexlen(n int) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 4)
	for i := 3; i >= 0; i-- {
		b[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(b)
}

func TestEncodeDecodeReportStatusRoundTrip(t *testing.T) {
	rs := &ReportStatus{
		UnpackStatus: "ok",
		CommandStatuses: []CommandStatus{
			{RefName: "refs/heads/main", OK: true},
			{RefName: "refs/heads/topic", OK: false, Message: "non-fast-forward"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeReportStatus(&buf, rs))

	got, err := DecodeReportStatus(&buf)
	require.NoError(t, err)
	assert.Equal(t, rs.UnpackStatus, got.UnpackStatus)
	assert.Equal(t, rs.CommandStatuses, got.CommandStatuses)
}
