package ref

import (
	"errors"
	"strings"
)

// RefSpec is a mapping rule between remote and local ref namespaces,
// optionally wildcarded and optionally forced.
//
//	[+]<src>:<dst>
//
// An empty Dst with Src set means "fetch but don't store"; an empty Src
// with Dst set means "delete".
type RefSpec struct {
	raw     string
	Force   bool
	Pattern bool
	Src     string
	Dst     string
}

var (
	// ErrRefSpecMalformed is returned by ParseRefSpec when the input has
	// other than exactly one colon, or mismatched wildcard counts.
	ErrRefSpecMalformed = errors.New("ref: malformed refspec")
)

// ParseRefSpec parses a refspec string.
func ParseRefSpec(s string) (RefSpec, error) {
	raw := s
	force := false
	if strings.HasPrefix(s, "+") {
		force = true
		s = s[1:]
	}

	if strings.Count(s, ":") != 1 {
		return RefSpec{}, ErrRefSpecMalformed
	}

	sep := strings.IndexByte(s, ':')
	src, dst := s[:sep], s[sep+1:]

	srcStars := strings.Count(src, "*")
	dstStars := strings.Count(dst, "*")
	pattern := srcStars > 0 || dstStars > 0
	if pattern && (srcStars != 1 || (dst != "" && dstStars != 1)) {
		return RefSpec{}, ErrRefSpecMalformed
	}

	return RefSpec{raw: raw, Force: force, Pattern: pattern, Src: src, Dst: dst}, nil
}

// MustParseRefSpec parses s and panics on error; intended for refspecs
// baked into configuration defaults (e.g. "+refs/heads/*:refs/remotes/origin/*").
func MustParseRefSpec(s string) RefSpec {
	rs, err := ParseRefSpec(s)
	if err != nil {
		panic(err)
	}
	return rs
}

// String renders the refspec back to its wire/config form.
func (s RefSpec) String() string {
	var b strings.Builder
	if s.Force {
		b.WriteByte('+')
	}
	b.WriteString(s.Src)
	b.WriteByte(':')
	b.WriteString(s.Dst)
	return b.String()
}

// IsDelete reports whether this refspec has an empty source, meaning
// "delete the destination".
func (s RefSpec) IsDelete() bool {
	return s.Src == ""
}

// IsFetchOnly reports whether this refspec has an empty destination,
// meaning "fetch the object but do not store a local ref".
func (s RefSpec) IsFetchOnly() bool {
	return s.Dst == "" && s.Src != ""
}

// Match reports whether name matches this refspec's source pattern, and if
// so, what destination name it maps to.
func (s RefSpec) Match(name string) (dst string, ok bool) {
	if !s.Pattern {
		if s.Src != name {
			return "", false
		}
		return s.Dst, true
	}

	prefix, suffix, found := cutOnce(s.Src, "*")
	if !found {
		return "", false
	}
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	if len(name) < len(prefix)+len(suffix) {
		return "", false
	}
	mid := name[len(prefix) : len(name)-len(suffix)]

	if s.Dst == "" {
		return "", true
	}
	dprefix, dsuffix, _ := cutOnce(s.Dst, "*")
	return dprefix + mid + dsuffix, true
}

// MatchDst reports whether name falls inside this refspec's destination
// namespace: an exact match for a non-pattern refspec, or a
// prefix/suffix match against the dst pattern. Used to scope pruning to
// the tracking refs this refspec maintains.
func (s RefSpec) MatchDst(name string) bool {
	if s.Dst == "" {
		return false
	}
	if !s.Pattern {
		return s.Dst == name
	}
	prefix, suffix, found := cutOnce(s.Dst, "*")
	if !found {
		return s.Dst == name
	}
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) &&
		len(name) >= len(prefix)+len(suffix)
}

func cutOnce(s, sep string) (before, after string, found bool) {
	i := strings.Index(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// MatchAny reports whether name matches any refspec in specs, returning
// the first match's destination and force flag (fetch semantics: first
// match wins).
func MatchAny(specs []RefSpec, name string) (dst string, force, matched bool) {
	for _, s := range specs {
		if d, ok := s.Match(name); ok {
			return d, s.Force, true
		}
	}
	return "", false, false
}

// Well-known refspec expansions for --all, --mirror and --tags, as used
// by the push driver.
var (
	AllBranchesRefSpec = MustParseRefSpec("refs/heads/*:refs/heads/*")
	MirrorRefSpec      = MustParseRefSpec("+refs/*:refs/*")
	TagsRefSpec        = MustParseRefSpec("refs/tags/*:refs/tags/*")
)
