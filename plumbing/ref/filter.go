package ref

import "strings"

// ConsumePeeled folds "<name>^{}" peeled-tag entries into the Peeled field
// of the immediately preceding tag entry and drops the synthetic entries
// from the result. Entries that are not recognized tag/peeled pairs pass
// through unchanged.
func ConsumePeeled(advertised []*Ref) []*Ref {
	out := make([]*Ref, 0, len(advertised))
	var last *Ref
	for _, r := range advertised {
		if base, ok := IsPeeledEntry(r.Name); ok {
			if last != nil && last.Name == base {
				last.Peeled = r.NewID
				continue
			}
			// A peeled entry with no matching preceding tag is malformed
			// input; drop it rather than surface a spurious ref.
			continue
		}
		out = append(out, r)
		last = r
	}
	return out
}

// FetchCandidate is one ref selected by refspec expansion, before dedup.
type FetchCandidate struct {
	Remote   *Ref
	Dst      string
	ForMerge bool
	// Force is the matched refspec's own force flag (a leading "+"),
	// consulted by the fetch driver's fast-forward/tag-update policy
	// independently of any CLI-wide --force.
	Force bool
	// Explicit marks a candidate named directly by the caller (as opposed
	// to one added automatically, e.g. by tag-following).
	Explicit bool
}

// ExpandFetch applies fetch refspecs against an (already peeled-folded)
// remote ref list, returning one candidate per match. First match wins
// per refspec set, matching git's fetch semantics.
func ExpandFetch(specs []RefSpec, remote []*Ref) []FetchCandidate {
	var out []FetchCandidate
	for _, r := range remote {
		dst, force, ok := MatchAny(specs, r.Name)
		if !ok || dst == "" {
			continue
		}
		forMerge := !strings.HasPrefix(r.Name, "refs/tags/")
		out = append(out, FetchCandidate{Remote: r, Dst: dst, ForMerge: forMerge, Force: force, Explicit: true})
	}
	return out
}

// FindNonLocalTags adds a follow-up candidate for every annotated tag in
// remote whose peeled object is already present locally or is itself
// being fetched in already, implementing the "tags == DEFAULT" automatic
// tag-following pass. haveOrWant reports whether an
// object identifier is already local or part of the current fetch.
func FindNonLocalTags(remote []*Ref, already []FetchCandidate, haveOrWant func(id []byte) bool) []FetchCandidate {
	seen := make(map[string]bool, len(already))
	for _, c := range already {
		seen[c.Remote.Name] = true
	}

	var out []FetchCandidate
	for _, r := range remote {
		if !IsTag(r.Name) || seen[r.Name] {
			continue
		}
		target := r.NewID
		if len(r.Peeled) > 0 {
			target = r.Peeled
		}
		if !haveOrWant(target) {
			continue
		}
		out = append(out, FetchCandidate{Remote: r, Dst: r.Name, ForMerge: false, Explicit: false})
	}
	return out
}

// DedupFetch removes duplicate destinations from a candidate list. Entries
// marked ForMerge win over NotForMerge ones, and Explicit entries win over
// auto-added ones; the first-seen candidate's position is preserved.
func DedupFetch(candidates []FetchCandidate) []FetchCandidate {
	index := make(map[string]int, len(candidates))
	out := make([]FetchCandidate, 0, len(candidates))

	better := func(a, b FetchCandidate) bool {
		if a.Explicit != b.Explicit {
			return a.Explicit
		}
		if a.ForMerge != b.ForMerge {
			return a.ForMerge
		}
		return false
	}

	for _, c := range candidates {
		if i, ok := index[c.Dst]; ok {
			if better(c, out[i]) {
				out[i] = c
			}
			continue
		}
		index[c.Dst] = len(out)
		out = append(out, c)
	}
	return out
}

// ResolveSymref finds the name HEAD points to among candidateNames (all of
// which resolve to the same identifier as HEAD), preferring
// defaultBranch, then any match, then the lexically first.
func ResolveSymref(candidateNames []string, defaultBranch string) string {
	if len(candidateNames) == 0 {
		return ""
	}
	for _, n := range candidateNames {
		if n == defaultBranch {
			return n
		}
	}
	best := candidateNames[0]
	for _, n := range candidateNames[1:] {
		if n < best {
			best = n
		}
	}
	return best
}
