package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/protocol"
	"github.com/dagsync/core/plumbing/protocol/packp/capability"
	"github.com/dagsync/core/plumbing/ref"
	"github.com/dagsync/core/plumbing/transport"
)

// fakeNegotiator is a minimal transport.Negotiator plus roundPacer double
// that hands out two fixed batches of haves, one per round, so a test can
// drive fetchV0 through more than one POST without a real commit graph.
type fakeNegotiator struct {
	batches [][]hash.ObjectID
	round   int
	within  int
	acked   []hash.ObjectID
}

func (f *fakeNegotiator) BeginRound() {
	f.round++
	f.within = 0
}

func (f *fakeNegotiator) RoundExhausted() bool {
	if f.round-1 >= len(f.batches) {
		return true
	}
	return f.within >= len(f.batches[f.round-1])
}

func (f *fakeNegotiator) Next() (hash.ObjectID, bool) {
	if f.RoundExhausted() {
		return nil, false
	}
	id := f.batches[f.round-1][f.within]
	f.within++
	return id, true
}

func (f *fakeNegotiator) Ack(id hash.ObjectID) bool {
	f.acked = append(f.acked, id)
	return false
}

func (f *fakeNegotiator) InVain() int { return 0 }

func (f *fakeNegotiator) Exhausted() bool {
	return f.round-1 >= len(f.batches)-1 && f.within >= len(f.batches[f.round-1])
}

func idFor(b byte) hash.ObjectID {
	id := make(hash.ObjectID, 20)
	id[19] = b
	return id
}

// TestFetchV0ResendsAccumulatedHavesAcrossRounds exercises stateless-RPC
// negotiation: a remote that acknowledges nothing on
// the first round forces a second POST, and that second POST must carry
// every have sent in every earlier round, plus the original want line,
// since each POST is handled by a fresh server-side process with no
// memory of the previous one.
func TestFetchV0ResendsAccumulatedHavesAcrossRounds(t *testing.T) {
	want := idFor(1)
	h1, h2 := idFor(2), idFor(3)

	var requestBodies [][]byte
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requestBodies = append(requestBodies, body)
		atomic.AddInt32(&calls, 1)

		w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
		w.WriteHeader(http.StatusOK)
		// Every round (including the final one, since PackWriter is nil
		// and no pack bytes are needed for this test) responds with a
		// bare flush-pkt: no ACK/NAK line, meaning "nothing new to
		// report, but negotiation isn't concluded by this response
		// alone"; fetchV0 only stops once it has sent "done" itself.
		_, _ = w.Write([]byte("0000"))
	}))
	defer srv.Close()

	tr, err := NewTransport(testEndpoint(t, srv.URL), transport.Options{})
	require.NoError(t, err)
	ht := tr.(*Transport)
	ht.isSmart = true
	ht.version = protocol.V0
	ht.caps = capability.NewList()
	ht.advertised = []*ref.Ref{}
	ht.gotRefs = map[bool]bool{false: true}

	neg := &fakeNegotiator{batches: [][]hash.ObjectID{{h1, h2}, {}}}

	_, err = ht.Fetch(context.Background(), &transport.FetchRequest{
		Wants:      []hash.ObjectID{want},
		Negotiator: neg,
	})
	require.NoError(t, err)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Len(t, requestBodies, 2)

	first := string(requestBodies[0])
	second := string(requestBodies[1])

	assert.Contains(t, first, "want "+want.String())
	assert.Contains(t, first, "have "+h1.String())
	assert.Contains(t, first, "have "+h2.String())
	assert.NotContains(t, first, "done")

	// The crux of the fix: the second POST must still carry everything
	// the first one did, not just the new "done" line.
	assert.Contains(t, second, "want "+want.String())
	assert.Contains(t, second, "have "+h1.String())
	assert.Contains(t, second, "have "+h2.String())
	assert.Contains(t, second, "done")
	assert.True(t, strings.HasPrefix(second, first), "second POST body must extend the first, not replace it")
}
