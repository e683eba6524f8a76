package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/transport"
)

// fakeLooseStore records loose objects the walker delivers and answers
// the references each object carries from a canned map.
type fakeLooseStore struct {
	children map[string][]hash.ObjectID
	stored   map[string][]byte
}

func newFakeLooseStore() *fakeLooseStore {
	return &fakeLooseStore{children: map[string][]hash.ObjectID{}, stored: map[string][]byte{}}
}

func (s *fakeLooseStore) HasEncodedObject(id hash.ObjectID) error {
	if _, ok := s.stored[string(id)]; ok {
		return nil
	}
	return assert.AnError
}

func (s *fakeLooseStore) AddLooseObject(id hash.ObjectID, data []byte) ([]hash.ObjectID, error) {
	s.stored[string(id)] = data
	return s.children[string(id)], nil
}

// dumbServer serves a plain-files remote: a tab-separated info/refs and
// loose objects under their fan-out paths. No smart endpoints at all.
func dumbServer(t *testing.T, infoRefs string, objects map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/info/refs"):
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(infoRefs))
		case strings.Contains(r.URL.Path, "/objects/"):
			rest := r.URL.Path[strings.Index(r.URL.Path, "/objects/")+len("/objects/"):]
			body, ok := objects[rest]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
}

// TestDumbGetRefs: a non-smart info/refs response flips the transport
// into dumb mode and parses the tab-separated listing, folding peeled
// tag entries.
func TestDumbGetRefs(t *testing.T) {
	main := strings.Repeat("0", 39) + "a"
	tag := strings.Repeat("0", 39) + "b"
	peeled := strings.Repeat("0", 39) + "c"
	listing := main + "\trefs/heads/main\n" +
		tag + "\trefs/tags/v1\n" +
		peeled + "\trefs/tags/v1^{}\n"

	srv := dumbServer(t, listing, nil)
	defer srv.Close()

	tr, err := NewTransport(testEndpoint(t, srv.URL), transport.Options{})
	require.NoError(t, err)

	refs, err := tr.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
	assert.Equal(t, main, refs[0].NewID.String())
	assert.Equal(t, "refs/tags/v1", refs[1].Name)
	assert.Equal(t, peeled, refs[1].Peeled.String())
}

// TestDumbFetchWalksObjects: fetching from a dumb remote walks the
// object graph breadth-first, each stored object's references extending
// the frontier, and stops at objects already present locally.
func TestDumbFetchWalksObjects(t *testing.T) {
	commit := pushID(1)
	tree := pushID(2)
	blob := pushID(3)

	listing := commit.String() + "\trefs/heads/main\n"
	objects := map[string]string{
		looseObjectPath(commit): "commit-bytes",
		looseObjectPath(tree):   "tree-bytes",
		looseObjectPath(blob):   "blob-bytes",
	}

	srv := dumbServer(t, listing, objects)
	defer srv.Close()

	tr, err := NewTransport(testEndpoint(t, srv.URL), transport.Options{})
	require.NoError(t, err)
	ht := tr.(*Transport)

	store := newFakeLooseStore()
	store.children[string(commit)] = []hash.ObjectID{tree}
	store.children[string(tree)] = []hash.ObjectID{blob}
	ht.SetLooseObjectStorer(store)

	_, err = tr.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)

	resp, err := tr.Fetch(context.Background(), &transport.FetchRequest{
		Wants: []hash.ObjectID{commit},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Stats.ReceivedObjects)
	assert.Equal(t, "commit-bytes", string(store.stored[string(commit)]))
	assert.Equal(t, "tree-bytes", string(store.stored[string(tree)]))
	assert.Equal(t, "blob-bytes", string(store.stored[string(blob)]))
}

// TestDumbFetchMissingObjectFails: a referenced object absent from the
// remote is a hard error, not a silent gap in the local graph.
func TestDumbFetchMissingObjectFails(t *testing.T) {
	commit := pushID(1)
	missing := pushID(9)

	srv := dumbServer(t, commit.String()+"\trefs/heads/main\n", map[string]string{
		looseObjectPath(commit): "commit-bytes",
	})
	defer srv.Close()

	tr, err := NewTransport(testEndpoint(t, srv.URL), transport.Options{})
	require.NoError(t, err)
	ht := tr.(*Transport)

	store := newFakeLooseStore()
	store.children[string(commit)] = []hash.ObjectID{missing}
	ht.SetLooseObjectStorer(store)

	_, err = tr.GetRefs(context.Background(), transport.ListOptions{})
	require.NoError(t, err)

	_, err = tr.Fetch(context.Background(), &transport.FetchRequest{
		Wants: []hash.ObjectID{commit},
	})
	require.Error(t, err)
	assert.Equal(t, transport.KindIO, transport.KindOf(err))
}
