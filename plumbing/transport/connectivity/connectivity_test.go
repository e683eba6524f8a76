package connectivity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
)

type fakeReachability struct {
	err       error
	gotTips   []hash.ObjectID
	gotExclude []hash.ObjectID
}

func (f *fakeReachability) ReachableFrom(tips, exclude []hash.ObjectID) error {
	f.gotTips = tips
	f.gotExclude = exclude
	return f.err
}

func id(b byte) hash.ObjectID {
	oid := make(hash.ObjectID, 20)
	oid[19] = b
	return oid
}

func TestVerifyShortCircuitSkipsTraversal(t *testing.T) {
	rc := &fakeReachability{err: errors.New("should never be seen")}
	err := Verify(rc, []hash.ObjectID{id(1)}, nil, true)
	assert.NoError(t, err)
	assert.Nil(t, rc.gotTips)
}

func TestVerifyNoTipsIsTriviallyConnected(t *testing.T) {
	rc := &fakeReachability{err: errors.New("should never be seen")}
	err := Verify(rc, nil, nil, false)
	assert.NoError(t, err)
	assert.Nil(t, rc.gotTips)
}

func TestVerifyDelegatesToReachability(t *testing.T) {
	tips := []hash.ObjectID{id(1)}
	exclude := []hash.ObjectID{id(2)}
	rc := &fakeReachability{}
	require.NoError(t, Verify(rc, tips, exclude, false))
	assert.Equal(t, tips, rc.gotTips)
	assert.Equal(t, exclude, rc.gotExclude)

	rc.err = errors.New("missing object")
	assert.Error(t, Verify(rc, tips, exclude, false))
}

func TestQuickfetchEmptyWantsIsAlwaysOK(t *testing.T) {
	rc := &fakeReachability{err: errors.New("should never be seen")}
	ok, err := Quickfetch(rc, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuickfetchSucceedsWhenAllLocallyReachable(t *testing.T) {
	rc := &fakeReachability{}
	ok, err := Quickfetch(rc, []hash.ObjectID{id(1)}, []hash.ObjectID{id(2)})
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestQuickfetchUnreachableIsNotAHardFailure covers the documented
// nilerr convention: an unreachable want means "not a quickfetch", which
// the caller treats as ok=false with no error to propagate.
func TestQuickfetchUnreachableIsNotAHardFailure(t *testing.T) {
	rc := &fakeReachability{err: errors.New("not found")}
	ok, err := Quickfetch(rc, []hash.ObjectID{id(1)}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
