package fetchhead

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
)

func id(b byte) hash.ObjectID {
	oid := make(hash.ObjectID, 20)
	oid[19] = b
	return oid
}

func TestNewEntryClassifiesBranchTagAndHead(t *testing.T) {
	branch := NewEntry(&ref.Ref{Name: "refs/heads/main", NewID: id(1)}, ref.ForMerge, "git://example.com/r.git")
	assert.Equal(t, "branch", branch.Kind)
	assert.Equal(t, "main", branch.Name)

	tag := NewEntry(&ref.Ref{Name: "refs/tags/v1", NewID: id(2)}, ref.NotForMerge, "git://example.com/r.git")
	assert.Equal(t, "tag", tag.Kind)
	assert.Equal(t, "v1", tag.Name)

	head := NewEntry(&ref.Ref{Name: "HEAD", NewID: id(3)}, ref.ForMerge, "git://example.com/r.git")
	assert.Equal(t, "branch", head.Kind)
	assert.Equal(t, "HEAD", head.Name)

	commit := NewEntry(&ref.Ref{Name: "deadbeef", NewID: id(4)}, ref.NotForMerge, "git://example.com/r.git")
	assert.Equal(t, "commit", commit.Kind)
}

func TestWriteFormatsLineAndMarker(t *testing.T) {
	entries := []Entry{
		NewEntry(&ref.Ref{Name: "refs/heads/main", NewID: id(1)}, ref.ForMerge, "git://example.com/r.git"),
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))
	assert.Equal(t, id(1).String()+"\t\tbranch 'main' of git://example.com/r.git\n", buf.String())
}

func TestWriteMarksNotForMergeAndIgnore(t *testing.T) {
	entries := []Entry{
		NewEntry(&ref.Ref{Name: "refs/tags/v1", NewID: id(1)}, ref.NotForMerge, "u"),
		NewEntry(&ref.Ref{Name: "refs/pull/1/head", NewID: id(2)}, ref.Ignore, "u"),
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries))
	lines := buf.String()
	assert.Contains(t, lines, "\tnot-for-merge\ttag 'v1' of u\n")
	assert.Contains(t, lines, "\tignore\tcommit 'refs/pull/1/head' of u\n")
}

// TestWriteOrdersForMergeEntriesFirst: merge entries
// must precede all others regardless of the input order, each group
// keeping its relative order.
func TestWriteOrdersForMergeEntriesFirst(t *testing.T) {
	notForMerge := NewEntry(&ref.Ref{Name: "refs/tags/v1", NewID: id(1)}, ref.NotForMerge, "u")
	forMerge := NewEntry(&ref.Ref{Name: "refs/heads/main", NewID: id(2)}, ref.ForMerge, "u")

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Entry{notForMerge, forMerge}))

	out := buf.String()
	mergeIdx := bytesIndex(out, "branch 'main'")
	tagIdx := bytesIndex(out, "tag 'v1'")
	assert.True(t, mergeIdx >= 0 && tagIdx >= 0 && mergeIdx < tagIdx)
}

func bytesIndex(s, sub string) int {
	return bytes.Index([]byte(s), []byte(sub))
}
