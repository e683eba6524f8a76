package ext

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

// newTestHelper wires a Helper to an in-memory fake subprocess,
// exercising the helper line protocol without spawning a real
// remote-<scheme>
// binary. Every line Helper writes after the handshake (as though to the
// child's stdin) is delivered on the returned channel; the handshake's own
// "capabilities" line is consumed here. reply lets the test play the fake
// helper's responses back (as though read from the child's stdout).
func newTestHelper(t *testing.T, caps string) (h *Helper, cmds <-chan string, reply io.WriteCloser) {
	t.Helper()
	cmdsR, cmdsW := io.Pipe()
	replyR, replyW := io.Pipe()

	lines := make(chan string, 64)
	go func() {
		br := bufio.NewReader(cmdsR)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\n")
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	h = &Helper{
		stdin:  cmdsW,
		stdout: bufio.NewReader(replyR),
		caps:   make(map[string]string),
		ep:     &transport.Endpoint{Protocol: "test"},
		vcaps:  capability.NewList(),
	}

	go func() {
		io.WriteString(replyW, caps+"\n\n") //nolint:errcheck
	}()
	require.NoError(t, h.handshake())
	require.Equal(t, "capabilities", <-lines)

	return h, lines, replyW
}

func TestHandshakeParsesCapabilities(t *testing.T) {
	h, _, _ := newTestHelper(t, "fetch\noption\npush")
	assert.True(t, h.supports("fetch"))
	assert.True(t, h.supports("option"))
	assert.True(t, h.supports("push"))
	assert.False(t, h.supports("import"))
}

func TestGetRefsParsesListOutput(t *testing.T) {
	h, cmds, reply := newTestHelper(t, "fetch\npush")

	go func() {
		assert.Equal(t, "list", <-cmds)
		id := strings.Repeat("a", 40)
		io.WriteString(reply, id+" refs/heads/main\n\n") //nolint:errcheck
	}()

	refs, err := h.GetRefs(nil, transport.ListOptions{})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
}

func TestPushParsesOkAndError(t *testing.T) {
	h, cmds, reply := newTestHelper(t, "push")
	r1 := &ref.Ref{Name: "refs/heads/main"}
	r2 := &ref.Ref{Name: "refs/heads/dev"}

	go func() {
		<-cmds
		<-cmds
		<-cmds // blank terminator
		io.WriteString(reply, "ok refs/heads/main\n")                     //nolint:errcheck
		io.WriteString(reply, "error refs/heads/dev rejected by hook\n\n") //nolint:errcheck
	}()

	_, err := h.Push(nil, &transport.PushRequest{Refs: []*ref.Ref{r1, r2}})
	require.NoError(t, err)
	assert.Equal(t, ref.StatusOK, r1.Status)
	assert.Equal(t, ref.StatusRemoteReject, r2.Status)
	assert.Equal(t, "rejected by hook", r2.RemoteStatus)
}

func TestPushUnsupportedWithoutCapability(t *testing.T) {
	h, _, _ := newTestHelper(t, "fetch")
	_, err := h.Push(nil, &transport.PushRequest{Refs: []*ref.Ref{{Name: "refs/heads/main"}}})
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindUnsupported, terr.Kind)
}
