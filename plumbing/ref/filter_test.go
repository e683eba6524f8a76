package ref

import "testing"

// TestPeeledTagConsumption: a "<tag>^{}" entry is folded into the
// preceding tag entry's Peeled field rather than surviving on its own.
func TestPeeledTagConsumption(t *testing.T) {
	a := hashOf("a")
	b := hashOf("b")
	advertised := []*Ref{
		{Name: "refs/tags/t", NewID: a},
		{Name: "refs/tags/t^{}", NewID: b},
	}

	out := ConsumePeeled(advertised)
	if len(out) != 1 {
		t.Fatalf("expected one entry after folding, got %d", len(out))
	}
	if !out[0].Peeled.Equal(b) {
		t.Fatalf("expected peeled id %x, got %x", b, out[0].Peeled)
	}
	if !out[0].NewID.Equal(a) {
		t.Fatalf("tag's own id should be unchanged, got %x", out[0].NewID)
	}
}

func TestConsumePeeledDropsOrphan(t *testing.T) {
	advertised := []*Ref{
		{Name: "refs/tags/orphan^{}", NewID: hashOf("x")},
	}
	out := ConsumePeeled(advertised)
	if len(out) != 0 {
		t.Fatalf("expected orphan peeled entry to be dropped, got %d entries", len(out))
	}
}

func TestResolveSymrefPrefersDefaultBranch(t *testing.T) {
	got := ResolveSymref([]string{"refs/heads/develop", "refs/heads/main"}, "refs/heads/main")
	if got != "refs/heads/main" {
		t.Fatalf("expected default branch to win, got %q", got)
	}
}

func TestResolveSymrefFallsBackToLexicallyFirst(t *testing.T) {
	got := ResolveSymref([]string{"refs/heads/zzz", "refs/heads/aaa"}, "refs/heads/main")
	if got != "refs/heads/aaa" {
		t.Fatalf("expected lexically first match, got %q", got)
	}
}

func hashOf(s string) []byte {
	b := make([]byte, 20)
	copy(b, s)
	return b
}
