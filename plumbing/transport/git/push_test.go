package git

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

func testID(b byte) hash.ObjectID {
	id := make(hash.ObjectID, 20)
	id[19] = b
	return id
}

// preparedSession builds a Session whose GetRefs has already "run" (so
// Push doesn't try to negotiate a real advertisement over the fake
// connection) with the given capabilities and protocol version.
func preparedSession(conn *fakeConn, caps *capability.List, ver protocol.Version) *Session {
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})
	s.advertised = []*ref.Ref{}
	s.caps = caps
	s.version = ver
	return s
}

func TestPushRejectsProtocolV2(t *testing.T) {
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	s := preparedSession(conn, capability.NewList(), protocol.V2)

	_, err := s.Push(context.Background(), &transport.PushRequest{})
	require.Error(t, err)
	assert.Equal(t, transport.KindUnsupported, transport.KindOf(err))
}

// TestPushWithReportStatus: a report-status response
// with one ok and one ng command line must be folded back onto the
// matching Ref's Status/RemoteStatus, and the outbound update lines must
// carry the negotiated report-status capability.
func TestPushWithReportStatus(t *testing.T) {
	caps := capability.NewList()
	require.NoError(t, caps.Set(capability.ReportStatus))

	var resp bytes.Buffer
	require.NoError(t, packp.EncodeReportStatus(&resp, &packp.ReportStatus{
		UnpackStatus: "ok",
		CommandStatuses: []packp.CommandStatus{
			{RefName: "refs/heads/a", OK: true},
			{RefName: "refs/heads/b", OK: false, Message: "reason text"},
		},
	}))

	conn := &fakeConn{in: &resp, out: &bytes.Buffer{}}
	s := preparedSession(conn, caps, protocol.V0)

	refA := &ref.Ref{Name: "refs/heads/a", OldID: testID(1), NewID: testID(2)}
	refB := &ref.Ref{Name: "refs/heads/b", OldID: testID(3), NewID: testID(4)}

	_, err := s.Push(context.Background(), &transport.PushRequest{Refs: []*ref.Ref{refA, refB}})
	require.NoError(t, err)

	assert.Equal(t, ref.StatusOK, refA.Status)
	assert.Equal(t, ref.StatusRemoteReject, refB.Status)
	assert.Equal(t, "reason text", refB.RemoteStatus)

	out := conn.out.String()
	assert.Contains(t, out, testID(1).String()+" "+testID(2).String()+" refs/heads/a")
	assert.Contains(t, out, "report-status")
	assert.Contains(t, out, testID(3).String()+" "+testID(4).String()+" refs/heads/b")
}

// TestPushWithoutReportStatus covers the case where the remote never
// advertised report-status: Push must not attempt to read a status
// report at all (the fake connection has nothing queued to read).
func TestPushWithoutReportStatus(t *testing.T) {
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	s := preparedSession(conn, capability.NewList(), protocol.V0)

	refA := &ref.Ref{Name: "refs/heads/a", NewID: testID(1)}
	_, err := s.Push(context.Background(), &transport.PushRequest{Refs: []*ref.Ref{refA}})
	require.NoError(t, err)
	assert.Equal(t, ref.Status(""), refA.Status)
}

// TestPushCert covers the signed-push framing: the update
// list is embedded in the certificate body, so the wire request is just
// "push-cert\0<caps>", the certificate text, and a "push-cert-end"
// sentinel.
func TestPushCert(t *testing.T) {
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	s := preparedSession(conn, capability.NewList(), protocol.V0)

	cert := "certificate version 0.1\npusher Test <test@example.com>\n"
	_, err := s.Push(context.Background(), &transport.PushRequest{Cert: cert})
	require.NoError(t, err)

	out := conn.out.String()
	assert.Contains(t, out, "push-cert")
	assert.Contains(t, out, "certificate version 0.1")
	assert.Contains(t, out, "push-cert-end")
}
