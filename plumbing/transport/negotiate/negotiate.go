// Package negotiate implements the fetch negotiator: choosing which
// commits to advertise as "have" so the remote can build a minimal pack,
// and ingesting its ACK feedback.
//
// A flat send-every-tip batch is adequate for clones and small
// incremental fetches, but large repositories need the date-ordered
// priority-queue walk with the skip-common-ancestors optimization: pop
// the newest commit, advertise it, push its parents, and stop advertising
// below any commit the remote has already confirmed as common.
package negotiate

import (
	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/dagsync/core/plumbing/hash"
)

// MaxInVain is the number of consecutive haves that may elicit no new
// common commit before negotiation gives up.
const MaxInVain = 256

// Round sizing: 16 haves on the first flush, doubling each round (capped
// at 16384) for stateless transports, incrementing by 32 otherwise.
const (
	InitialHaves       = 16
	StatelessHavesCap  = 16384
	StatefulHavesStep  = 32
)

// flag bits tracked per commit.
type flag uint8

const (
	flagSeen flag = 1 << iota
	flagCommon
	flagPopped
	flagAdvertised
)

// CommitGraph is the external collaborator (object-store seam) the
// negotiator walks: given a commit id, its authorship timestamp and
// direct parent ids.
type CommitGraph interface {
	// CommitInfo returns (timestamp, parent ids, ok). ok is false if id
	// does not name a locally-known commit (e.g. a shallow root's
	// missing parent).
	CommitInfo(id hash.ObjectID) (timestamp int64, parents []hash.ObjectID, ok bool)
}

type node struct {
	id        hash.ObjectID
	timestamp int64
	flags     flag
}

// pq is a date-ordered max-heap: the latest-timestamped commit pops
// first, matching commit traversal order so that skip-common-ancestors
// reasoning stays correct. A thin wrapper around *binaryheap.Heap with a
// typed push/pop.
type pq struct {
	*binaryheap.Heap
}

// newPQ returns an empty date-ordered max-heap of *node.
func newPQ() pq {
	return pq{binaryheap.NewWith(dateOrderComparator)}
}

// dateOrderComparator orders *node values by timestamp, latest first;
// -1 means left pops first.
func dateOrderComparator(left, right interface{}) int {
	a := left.(*node)
	b := right.(*node)
	switch {
	case a.timestamp > b.timestamp:
		return -1
	case a.timestamp < b.timestamp:
		return 1
	default:
		return 0
	}
}

func (q pq) push(nd *node) { q.Push(nd) }

func (q pq) pop() (*node, bool) {
	v, ok := q.Pop()
	if !ok {
		return nil, false
	}
	return v.(*node), true
}

// Negotiator implements transport.Negotiator: a stateful object whose
// Next()/Ack() pair the fetch driver interleaves with wire rounds.
type Negotiator struct {
	graph CommitGraph

	queue pq
	nodes map[string]*node

	inVain       int
	haveAdvanced bool
	stateless    bool

	// round tracks how many haves have been advertised this round, for
	// the doubling/+32 policy; the caller (fetch driver) is responsible
	// for batching Next() calls into rounds and calling BeginRound.
	roundHaves   int
	roundCap     int
	roundStarted bool
}

// New returns a negotiator seeded from tips: local ref tips, a
// caller-supplied list of negotiation tips, or additional tips reachable
// via alternate object stores.
func New(graph CommitGraph, stateless bool, tips ...hash.ObjectID) *Negotiator {
	n := &Negotiator{
		graph:     graph,
		queue:     newPQ(),
		nodes:     make(map[string]*node),
		stateless: stateless,
		roundCap:  InitialHaves,
	}
	for _, t := range tips {
		n.seed(t)
	}
	return n
}

func (n *Negotiator) seed(id hash.ObjectID) *node {
	key := string(id)
	if existing, ok := n.nodes[key]; ok {
		return existing
	}
	ts, _, ok := n.graph.CommitInfo(id)
	if !ok {
		return nil
	}
	nd := &node{id: id, timestamp: ts, flags: flagSeen}
	n.nodes[key] = nd
	n.queue.push(nd)
	return nd
}

// MarkComplete marks id as already COMMON, used to seed "up to date"
// tips the driver determined via commit-graph reachability before any
// network round.
func (n *Negotiator) MarkComplete(id hash.ObjectID) {
	nd := n.seed(id)
	if nd != nil {
		nd.flags |= flagCommon
	}
}

// BeginRound resets the per-round have counter and grows the cap
// (doubling when stateless, +32 otherwise). Call once before each batch
// of Next() calls that will be flushed together.
func (n *Negotiator) BeginRound() {
	if !n.roundStarted {
		n.roundStarted = true
		n.roundHaves = 0
		return
	}
	if n.stateless {
		n.roundCap *= 2
		if n.roundCap > StatelessHavesCap {
			n.roundCap = StatelessHavesCap
		}
	} else {
		n.roundCap += StatefulHavesStep
	}
	n.roundHaves = 0
}

// RoundExhausted reports whether the current round has advertised its
// quota of haves and the caller should flush/send a round boundary.
func (n *Negotiator) RoundExhausted() bool {
	return n.roundHaves >= n.roundCap
}

// Next pops the next commit to advertise as a have. It returns (id, true)
// or (zero, false) once the queue is empty.
func (n *Negotiator) Next() (hash.ObjectID, bool) {
	for {
		nd, ok := n.queue.pop()
		if !ok {
			return nil, false
		}
		if nd.flags&flagPopped != 0 {
			continue
		}
		nd.flags |= flagPopped

		_, parents, ok := n.graph.CommitInfo(nd.id)
		if ok {
			for _, p := range parents {
				pkey := string(p)
				pn, seen := n.nodes[pkey]
				if !seen {
					ts, _, pOK := n.graph.CommitInfo(p)
					if !pOK {
						continue
					}
					pn = &node{id: p, timestamp: ts, flags: flagSeen}
					n.nodes[pkey] = pn
					n.queue.push(pn)
				}
				if nd.flags&flagCommon != 0 {
					// Skip-common-ancestors: mark parents common too,
					// but they remain in the queue so date order stays
					// correct.
					pn.flags |= flagCommon
				}
			}
		}

		if nd.flags&flagCommon != 0 {
			// Already known common (via Ack/MarkComplete propagation):
			// advertising it as a have gains nothing, so skip it
			// instead of returning it.
			continue
		}
		nd.flags |= flagAdvertised
		n.roundHaves++
		n.inVain++
		return nd.id, true
	}
}

// Ack records that the remote confirmed id as common, propagating COMMON
// to id and all its ancestors, walking parents via the CommitGraph seam
// rather than relying on a caller to re-Ack along the chain: by the time
// an ACK arrives, id has typically already been popped and its parents
// enqueued without the COMMON flag, so without this walk the
// skip-common-ancestors optimization in Next() never fires. Returns
// whether id was already locally marked COMMON.
func (n *Negotiator) Ack(id hash.ObjectID) bool {
	nd, ok := n.nodes[string(id)]
	if !ok {
		nd = n.seed(id)
		if nd == nil {
			return false
		}
	}
	wasCommon := nd.flags&flagCommon != 0
	if !wasCommon {
		n.inVain = 0
		n.markCommon(nd)
	} else {
		n.inVain++
	}
	return wasCommon
}

// markCommon flags nd and, transitively, every ancestor reachable through
// n.graph as COMMON, seeding any parent not yet known to the negotiator
// so it can be skipped the moment Next() reaches it. Stops descending
// once it reaches a node already COMMON: the invariant this maintains is
// that a COMMON node's ancestors are always already COMMON too, so
// there's nothing further to mark below it.
func (n *Negotiator) markCommon(nd *node) {
	stack := []*node{nd}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.flags&flagCommon != 0 {
			continue
		}
		cur.flags |= flagCommon

		_, parents, ok := n.graph.CommitInfo(cur.id)
		if !ok {
			continue
		}
		for _, p := range parents {
			pkey := string(p)
			pn, seen := n.nodes[pkey]
			if !seen {
				ts, _, pOK := n.graph.CommitInfo(p)
				if !pOK {
					continue
				}
				pn = &node{id: p, timestamp: ts, flags: flagSeen}
				n.nodes[pkey] = pn
				n.queue.push(pn)
			}
			if pn.flags&flagCommon == 0 {
				stack = append(stack, pn)
			}
		}
	}
}

// InVain returns the number of consecutive haves that elicited no new
// common commit since the last one that did; an ACK for a commit already
// known COMMON also counts toward it.
func (n *Negotiator) InVain() int { return n.inVain }

// Exhausted reports whether negotiation should stop: the queue is empty
// or in-vain has reached MaxInVain. The third stop condition, a "ready"
// ACK, is signaled by the driver directly.
func (n *Negotiator) Exhausted() bool {
	return n.queue.Size() == 0 || n.inVain >= MaxInVain
}

// Noop returns a negotiator that yields nothing, for refetch mode where
// the caller wants the remote to re-send every reachable object.
func Noop() *Negotiator {
	return &Negotiator{queue: newPQ(), nodes: make(map[string]*node)}
}
