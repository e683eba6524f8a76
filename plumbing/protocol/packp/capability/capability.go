// Package capability implements the capability registry: the set of
// feature tokens a connection negotiates during the v0/v1 handshake or
// declares per-command under protocol v2.
package capability

import (
	"errors"
	"os"
)

// Capability is a feature token name.
type Capability string

// Well-known capability tokens. Unknown tokens are preserved verbatim and
// queried by their raw string value, so this list is not exhaustive.
const (
	MultiACK         Capability = "multi_ack"
	MultiACKDetailed Capability = "multi_ack_detailed"
	NoDone           Capability = "no-done"
	ThinPack         Capability = "thin-pack"
	SideBand         Capability = "side-band"
	SideBand64k      Capability = "side-band-64k"
	OFSDelta         Capability = "ofs-delta"
	Shallow          Capability = "shallow"
	DeepenSince      Capability = "deepen-since"
	DeepenNot        Capability = "deepen-not"
	DeepenRelative   Capability = "deepen-relative"
	NoProgress       Capability = "no-progress"
	IncludeTag       Capability = "include-tag"
	Agent            Capability = "agent"
	SymRef           Capability = "symref"
	Filter           Capability = "filter"
	ObjectFormat     Capability = "object-format"
	SessionID        Capability = "session-id"
	AllowTipSHA1     Capability = "allow-tip-sha1-in-want"
	AllowReachableSHA1 Capability = "allow-reachable-sha1-in-want"
	DeleteRefs       Capability = "delete-refs"
	ReportStatus     Capability = "report-status"
	ReportStatusV2   Capability = "report-status-v2"
	Atomic           Capability = "atomic"
	PushOptions      Capability = "push-options"
	PushCert         Capability = "push-cert"
	ForceIfIncludes  Capability = "force-if-includes"
	WaitForDone      Capability = "wait-for-done"
	RefInWant        Capability = "ref-in-want"
	SidebandAll      Capability = "sideband-all"
	PackfileURIs     Capability = "packfile-uris"

	// v2-only command tokens.
	LsRefs    Capability = "ls-refs"
	Fetch     Capability = "fetch"
	Push      Capability = "push"
	BundleURI Capability = "bundle-uri"

	// Unborn is a feature of the v2 ls-refs command.
	Unborn Capability = "unborn"
)

// argumentRequired records which capabilities carry a value (name=value) versus which
// are bare name-only tokens. Anything not listed here is assumed to be
// bare unless it is decoded with an "=" present, in which case the value
// is recorded regardless.
var argumentRequired = map[Capability]bool{
	Agent:        true,
	SymRef:       true,
	ObjectFormat: true,
	SessionID:    true,
	PushCert:     true,
}

var argumentForbidden = map[Capability]bool{
	ThinPack:       true,
	SideBand:       true,
	SideBand64k:    true,
	OFSDelta:       true,
	Shallow:        true,
	NoProgress:     true,
	IncludeTag:     true,
	MultiACK:       true,
	MultiACKDetailed: true,
	NoDone:         true,
	DeleteRefs:     true,
	ReportStatus:   true,
	ReportStatusV2: true,
	Atomic:         true,
	ForceIfIncludes: true,
	WaitForDone:    true,
	RefInWant:      true,
	SidebandAll:    true,
	PackfileURIs:   true,
	Filter:         true,
}

// ErrArguments is returned when a well-known capability that forbids
// arguments is decoded with one, or vice versa.
var ErrArguments = errors.New("capability: unexpected arguments")

const defaultUserAgent = "dagsync/1.0"

// DefaultAgent returns the user-agent string this implementation
// advertises, optionally extended via the DAGSYNC_USER_AGENT_EXTRA
// environment variable so integrators can append build identifiers
// without forking the binary.
func DefaultAgent() string {
	if extra := os.Getenv("DAGSYNC_USER_AGENT_EXTRA"); extra != "" {
		return defaultUserAgent + " " + extra
	}
	return defaultUserAgent
}
