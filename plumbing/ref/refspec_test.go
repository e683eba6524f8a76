package ref

import "testing"

func TestParseRefSpecForce(t *testing.T) {
	rs, err := ParseRefSpec("+refs/heads/*:refs/remotes/origin/*")
	if err != nil {
		t.Fatal(err)
	}
	if !rs.Force || !rs.Pattern {
		t.Fatalf("expected force+pattern, got %+v", rs)
	}
}

func TestParseRefSpecMalformed(t *testing.T) {
	cases := []string{
		"refs/heads/main",             // no colon
		"refs/heads/*:refs/x:extra",   // two colons
		"refs/heads/*:refs/remotes/origin/main", // mismatched wildcard count
	}
	for _, c := range cases {
		if _, err := ParseRefSpec(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestMatchExact(t *testing.T) {
	rs, _ := ParseRefSpec("refs/heads/main:refs/remotes/origin/main")
	dst, ok := rs.Match("refs/heads/main")
	if !ok || dst != "refs/remotes/origin/main" {
		t.Fatalf("got dst=%q ok=%v", dst, ok)
	}
	if _, ok := rs.Match("refs/heads/other"); ok {
		t.Fatal("expected no match for different ref")
	}
}

func TestMatchPattern(t *testing.T) {
	rs, _ := ParseRefSpec("+refs/heads/*:refs/remotes/origin/*")
	dst, ok := rs.Match("refs/heads/feature/x")
	if !ok || dst != "refs/remotes/origin/feature/x" {
		t.Fatalf("got dst=%q ok=%v", dst, ok)
	}
}

func TestMatchDst(t *testing.T) {
	rs, _ := ParseRefSpec("+refs/heads/*:refs/remotes/origin/*")
	if !rs.MatchDst("refs/remotes/origin/main") {
		t.Fatal("expected dst namespace match")
	}
	if rs.MatchDst("refs/heads/main") {
		t.Fatal("src-side name must not match dst namespace")
	}
	exact, _ := ParseRefSpec("refs/heads/main:refs/remotes/origin/main")
	if !exact.MatchDst("refs/remotes/origin/main") || exact.MatchDst("refs/remotes/origin/other") {
		t.Fatal("exact dst must match only itself")
	}
}

func TestDeleteAndFetchOnly(t *testing.T) {
	del, _ := ParseRefSpec(":refs/heads/gone")
	if !del.IsDelete() {
		t.Fatal("expected IsDelete")
	}
	fo, _ := ParseRefSpec("refs/heads/main:")
	if !fo.IsFetchOnly() {
		t.Fatal("expected IsFetchOnly")
	}
}

// TestRefSpecIdempotence: expanding twice is the same as expanding
// once, modulo dedup.
func TestRefSpecIdempotence(t *testing.T) {
	specs := []RefSpec{MustParseRefSpec("+refs/heads/*:refs/remotes/origin/*")}
	remote := []*Ref{
		{Name: "refs/heads/main", NewID: []byte{1}},
		{Name: "refs/heads/dev", NewID: []byte{2}},
	}

	once := DedupFetch(ExpandFetch(specs, remote))

	// A second expansion pass over the same input must not change the
	// result.
	twice := DedupFetch(ExpandFetch(specs, remote))

	if len(once) != len(twice) {
		t.Fatalf("lengths differ: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Dst != twice[i].Dst {
			t.Fatalf("destination mismatch at %d: %q vs %q", i, once[i].Dst, twice[i].Dst)
		}
	}
}

func TestDedupPrefersForMergeAndExplicit(t *testing.T) {
	candidates := []FetchCandidate{
		{Remote: &Ref{Name: "refs/tags/v1"}, Dst: "refs/tags/v1", ForMerge: false, Explicit: false},
		{Remote: &Ref{Name: "refs/tags/v1"}, Dst: "refs/tags/v1", ForMerge: false, Explicit: true},
	}
	out := DedupFetch(candidates)
	if len(out) != 1 {
		t.Fatalf("expected one deduped entry, got %d", len(out))
	}
	if !out[0].Explicit {
		t.Fatal("expected explicit entry to win")
	}
}
