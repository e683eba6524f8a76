// Package fetchhead writes the FETCH_HEAD file: one line per ref selected
// by a fetch, in the request's output order, merge entries deduplicated
// to the front.
package fetchhead

import (
	"fmt"
	"io"
	"strings"

	"github.com/dagsync/core/plumbing/hash"
	"github.com/dagsync/core/plumbing/ref"
)

// Entry is one FETCH_HEAD line's source data.
type Entry struct {
	ID     hash.ObjectID
	Status ref.FetchHeadStatus
	// Kind is "branch", "tag", or "commit", matching the remote ref's
	// namespace.
	Kind string
	// Name is the short ref name (e.g. "main" for refs/heads/main).
	Name string
	URL  string
}

func kindFor(remoteName string) (kind, short string) {
	switch {
	case strings.HasPrefix(remoteName, "refs/heads/"):
		return "branch", strings.TrimPrefix(remoteName, "refs/heads/")
	case strings.HasPrefix(remoteName, "refs/tags/"):
		return "tag", strings.TrimPrefix(remoteName, "refs/tags/")
	case remoteName == "HEAD":
		return "branch", "HEAD"
	default:
		return "commit", remoteName
	}
}

// NewEntry builds an Entry from a fetched ref, its merge status, and the
// remote URL it came from.
func NewEntry(r *ref.Ref, status ref.FetchHeadStatus, url string) Entry {
	kind, short := kindFor(r.Name)
	return Entry{ID: r.NewID, Status: status, Kind: kind, Name: short, URL: url}
}

// marker renders the for-merge-marker column: empty for merge, "not-for-merge"
// otherwise, "ignore" if explicitly ignored.
func (e Entry) marker() string {
	switch e.Status {
	case ref.ForMerge:
		return ""
	case ref.Ignore:
		return "ignore"
	default:
		return "not-for-merge"
	}
}

// Write encodes entries to w, one line each:
//
//	<id>\t<for-merge-marker>\t<kind> '<short>' of <url>
//
// Entries are first ordered so ForMerge entries precede all others,
// preserving relative order within each group.
func Write(w io.Writer, entries []Entry) error {
	ordered := make([]Entry, 0, len(entries))
	var rest []Entry
	for _, e := range entries {
		if e.Status == ref.ForMerge {
			ordered = append(ordered, e)
		} else {
			rest = append(rest, e)
		}
	}
	ordered = append(ordered, rest...)

	for _, e := range ordered {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s '%s' of %s\n",
			e.ID.String(), e.marker(), e.Kind, e.Name, e.URL); err != nil {
			return err
		}
	}
	return nil
}
