// Package protocol names the wire-protocol versions this core speaks:
// stateful v0/v1 and stateless v2.
package protocol

import "strconv"

// Version identifies a smart-protocol wire version.
type Version int

const (
	// VersionUnknown is reported before version discovery has happened.
	VersionUnknown Version = iota - 1

	// V0 is the original stateful protocol with no version negotiation.
	V0

	// V1 is V0 plus an explicit "version 1" first line; otherwise
	// identical on the wire.
	V1

	// V2 is the command-oriented ls-refs/fetch/push protocol.
	V2
)

func (v Version) String() string {
	if v < 0 {
		return "unknown"
	}
	return "version " + strconv.Itoa(int(v))
}

// Parameter renders the version as a Git-Protocol request parameter value.
func (v Version) Parameter() string {
	if v < 0 {
		return ""
	}
	return "version=" + strconv.Itoa(int(v))
}

// Parse reads a decimal protocol version, as seen after "version " on the
// wire or after "version=" in a Git-Protocol header.
func Parse(s string) (Version, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return VersionUnknown, err
	}
	return Version(n), nil
}
