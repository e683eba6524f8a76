package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
)

// fakeGraph is a small in-memory commit graph for tests: id -> (ts, parents).
type fakeGraph struct {
	commits map[string]commitEntry
}

type commitEntry struct {
	ts      int64
	parents []hash.ObjectID
}

func (g *fakeGraph) CommitInfo(id hash.ObjectID) (int64, []hash.ObjectID, bool) {
	c, ok := g.commits[string(id)]
	if !ok {
		return 0, nil, false
	}
	return c.ts, c.parents, true
}

func id(b byte) hash.ObjectID {
	out := make(hash.ObjectID, 20)
	out[19] = b
	return out
}

func chain(n int) *fakeGraph {
	g := &fakeGraph{commits: make(map[string]commitEntry)}
	var parent []hash.ObjectID
	for i := 1; i <= n; i++ {
		cid := id(byte(i))
		g.commits[string(cid)] = commitEntry{ts: int64(i), parents: parent}
		parent = []hash.ObjectID{cid}
	}
	return g
}

func TestNegotiatorTerminatesFiniteGraph(t *testing.T) {
	// For a finite graph of N nodes, at most N distinct haves are
	// produced, and the negotiator terminates.
	const n = 10
	g := chain(n)
	tip := id(byte(n))

	neg := New(g, false, tip)

	seen := map[string]bool{}
	for {
		next, ok := neg.Next()
		if !ok {
			break
		}
		seen[string(next)] = true
		require.LessOrEqual(t, len(seen), n)
	}
	assert.Len(t, seen, n)
	assert.False(t, neg.Exhausted() && len(seen) == 0)
}

func TestNegotiatorNextTerminatesWithoutAcks(t *testing.T) {
	g := chain(200)
	tip := id(byte(200)) // only id 200's ancestors exist with that timestamp range

	// Build a custom tip that actually exists.
	_ = tip
	existingTip := id(200)
	neg := New(g, false, existingTip)

	count := 0
	for {
		_, ok := neg.Next()
		if !ok {
			break
		}
		count++
		if count > 500 {
			// Never acking: every have counts toward in-vain, but the
			// 200-commit chain runs out before MaxInVain; this guard only
			// bounds a walk that fails to terminate.
			break
		}
	}
	assert.LessOrEqual(t, count, 200)
}

func TestNegotiatorAckMarksCommon(t *testing.T) {
	g := chain(5)
	tip := id(5)
	neg := New(g, false, tip)

	first, ok := neg.Next()
	require.True(t, ok)

	wasCommon := neg.Ack(first)
	assert.False(t, wasCommon)

	wasCommon = neg.Ack(first)
	assert.True(t, wasCommon)
	assert.Equal(t, 1, neg.InVain())
}

// TestNegotiatorSkipCommonAncestors: acknowledging a commit marks its
// entire ancestry COMMON, and Next()
// must skip those ancestors outright rather than re-advertise them, even
// though no caller ever re-Acks along the chain. An unrelated tip with
// no relation to the acknowledged commit must still surface normally.
func TestNegotiatorSkipCommonAncestors(t *testing.T) {
	c1, c2, c3 := id(1), id(2), id(3)
	d1 := id(4)
	g := &fakeGraph{commits: map[string]commitEntry{
		string(c1): {ts: 8, parents: nil},
		string(c2): {ts: 9, parents: []hash.ObjectID{c1}},
		string(c3): {ts: 10, parents: []hash.ObjectID{c2}},
		string(d1): {ts: 5, parents: nil},
	}}
	neg := New(g, false, c3, d1)

	first, ok := neg.Next()
	require.True(t, ok)
	assert.True(t, first.Equal(c3))

	neg.Ack(first)

	// c2 and c1 are now COMMON via ancestor propagation and must be
	// skipped entirely; the only have left to send is the unrelated d1.
	second, ok := neg.Next()
	require.True(t, ok)
	assert.True(t, second.Equal(d1))

	_, ok = neg.Next()
	assert.False(t, ok)
}

func TestBeginRoundDoublesStatelessCap(t *testing.T) {
	neg := New(chain(1), true, id(1))
	assert.Equal(t, InitialHaves, neg.roundCap)
	neg.BeginRound()
	neg.BeginRound()
	assert.Equal(t, InitialHaves*2, neg.roundCap)
}

func TestBeginRoundStepsStatefulCap(t *testing.T) {
	neg := New(chain(1), false, id(1))
	neg.BeginRound()
	neg.BeginRound()
	assert.Equal(t, InitialHaves+StatefulHavesStep, neg.roundCap)
}

func TestNoopNegotiatorYieldsNothing(t *testing.T) {
	neg := Noop()
	_, ok := neg.Next()
	assert.False(t, ok)
	assert.True(t, neg.Exhausted())
}
