package shallow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dagsync/core/plumbing/hash"
)

func idFor(b byte) hash.ObjectID {
	id := make(hash.ObjectID, hash.SHA1.Size())
	id[len(id)-1] = b
	return id
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "shallow"))

	roots := []hash.ObjectID{idFor(1), idFor(2)}
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(roots); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(filepath.Join(dir, "shallow"))
	got, err := s2.Load(hash.SHA1)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(got, roots) {
		t.Fatalf("got %v want %v", got, roots)
	}
}

// TestRollbackLeavesLiveFileUntouched: a failed fetch must not alter
// the persisted shallow boundary.
func TestRollbackLeavesLiveFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shallow")
	s := NewStore(path)

	original := []hash.ObjectID{idFor(9)}
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(original); err != nil {
		t.Fatal(err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a fetch that wrote a temp file then failed.
	if err := s.Lock(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".tmp", []byte("garbage"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatal(err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("live shallow file changed across rollback: %q -> %q", before, after)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be removed by rollback")
	}
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	s1 := NewStore(filepath.Join(dir, "shallow"))
	s2 := NewStore(filepath.Join(dir, "shallow"))

	if err := s1.Lock(); err != nil {
		t.Fatal(err)
	}
	defer s1.Rollback()

	if err := s2.Lock(); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestCommitEmptyRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shallow")
	s := NewStore(path)
	s.Lock()              //nolint:errcheck
	s.Commit([]hash.ObjectID{idFor(1)}) //nolint:errcheck

	s.Lock()          //nolint:errcheck
	s.Commit(nil)     //nolint:errcheck
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected shallow file to be removed when committing zero roots")
	}
}
