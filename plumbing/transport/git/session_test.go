package git

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/format/pktline"
	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/transport"
)

// TestGetRefsV0FallsBackWhenNoVersionLine covers detectVersion's default:
// a v0 server just starts the ref advertisement directly, with no
// "version N" line to distinguish it.
func TestGetRefsV0FallsBackWhenNoVersionLine(t *testing.T) {
	id := "000000000000000000000000000000000000000a"
	var resp bytes.Buffer
	w := pktline.NewWriter(&resp)
	_, err := w.WriteFmt("%s refs/heads/main\x00agent=test\n", id)
	require.NoError(t, err)
	require.NoError(t, w.WriteFlush())

	conn := &fakeConn{in: &resp, out: &bytes.Buffer{}}
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})

	refs, err := s.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
	assert.Equal(t, protocol.V0, s.Version())
}

// TestGetRefsV2DetectsVersionLineAndCapabilities covers the v2
// capability-advertisement path: a leading "version 2" line switches
// GetRefs onto the ls-refs command instead of the plain advertisement
// decoder.
func TestGetRefsV2DetectsVersionLineAndCapabilities(t *testing.T) {
	id := "000000000000000000000000000000000000000a"
	var resp bytes.Buffer
	w := pktline.NewWriter(&resp)
	_, err := w.WriteFmt("version 2\n")
	require.NoError(t, err)
	_, err = w.WriteFmt("ls-refs\n")
	require.NoError(t, err)
	_, err = w.WriteFmt("fetch\n")
	require.NoError(t, err)
	require.NoError(t, w.WriteFlush())
	_, err = w.WriteFmt("%s refs/heads/main\n", id)
	require.NoError(t, err)
	require.NoError(t, w.WriteFlush())

	conn := &fakeConn{in: &resp, out: &bytes.Buffer{}}
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})

	refs, err := s.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
	assert.Equal(t, protocol.V2, s.Version())
	assert.True(t, s.Capabilities().Supports("ls-refs"))
}

// TestGetRefsCachesPerDirection covers the "at most once per direction"
// contract: a second GetRefs call for the same ForPush value must not
// touch the connection again.
func TestGetRefsCachesPerDirection(t *testing.T) {
	id := "000000000000000000000000000000000000000a"
	var resp bytes.Buffer
	w := pktline.NewWriter(&resp)
	_, err := w.WriteFmt("%s refs/heads/main\x00agent=test\n", id)
	require.NoError(t, err)
	require.NoError(t, w.WriteFlush())

	conn := &fakeConn{in: &resp, out: &bytes.Buffer{}}
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})

	first, err := s.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)

	second, err := s.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestGetRefsRejectsObjectFormatMismatch: a remote advertising an
// object-format that disagrees with
// the session's own selected hash algorithm must fail the session
// rather than silently switching onto the remote's algorithm.
func TestGetRefsRejectsObjectFormatMismatch(t *testing.T) {
	id := strings.Repeat("0", 63) + "a"
	var resp bytes.Buffer
	w := pktline.NewWriter(&resp)
	_, err := w.WriteFmt("%s refs/heads/main\x00object-format=sha256 agent=test\n", id)
	require.NoError(t, err)
	require.NoError(t, w.WriteFlush())

	conn := &fakeConn{in: &resp, out: &bytes.Buffer{}}
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})

	_, err = s.GetRefs(context.Background(), transport.ListOptions{})
	require.Error(t, err)
	assert.Equal(t, transport.KindProtocol, transport.KindOf(err))
}

func TestGetBundleURIsUnsupportedWithoutCapability(t *testing.T) {
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	s := preparedSession(conn, capability.NewList(), protocol.V0)

	_, err := s.GetBundleURIs(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.KindUnsupported, transport.KindOf(err))
}

func TestDisconnectClosesConnection(t *testing.T) {
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	s := NewSession(conn, &transport.Endpoint{}, transport.Options{HashAlgo: hash.SHA1})
	assert.NoError(t, s.Disconnect())
}
