// Package hash provides the object-identifier abstraction used throughout
// the synchronization core. An ObjectID is an opaque, fixed-width byte
// string; its width is fixed by the Algorithm that produced it, never
// assumed by callers.
package hash

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sort"
)

// ErrInvalidHexSize is returned by ParseHex when the input string's length
// does not match the algorithm's HexSize.
var ErrInvalidHexSize = errors.New("hash: invalid hex length for algorithm")

// ObjectID is an opaque, fixed-width object identifier. Two identifiers
// compare by bytewise equality; a zero-length or all-zero value means
// "absent/deleted" once paired with an Algorithm.
type ObjectID []byte

// IsZero reports whether the identifier is non-empty and every byte of it
// is zero. A zero-length identifier reports false.
func (id ObjectID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return len(id) > 0
}

// Equal reports whether id and other identify the same object.
func (id ObjectID) Equal(other ObjectID) bool {
	return bytes.Equal(id, other)
}

// String returns the lowercase hex encoding of id.
func (id ObjectID) String() string {
	return hex.EncodeToString(id)
}

// Short returns the first n hex characters of id, or the whole string if
// it is shorter than n.
func (id ObjectID) Short(n int) string {
	s := id.String()
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Algorithm describes the hash function used to compute object identifiers
// for a given repository. The synchronization core never hashes content
// itself; it only compares, parses and formats identifiers according to
// the descriptor handed to it by the caller.
type Algorithm struct {
	name    string
	size    int
	hexSize int
}

// SHA1 is the original object-identifier algorithm.
var SHA1 = Algorithm{name: "sha1", size: 20, hexSize: 40}

// SHA256 is the newer, larger object-identifier algorithm.
var SHA256 = Algorithm{name: "sha256", size: 32, hexSize: 64}

// ByName resolves a wire-level object-format name ("sha1", "sha256") to its
// Algorithm descriptor.
func ByName(name string) (Algorithm, bool) {
	switch name {
	case "", SHA1.name:
		return SHA1, true
	case SHA256.name:
		return SHA256, true
	default:
		return Algorithm{}, false
	}
}

// Name returns the wire-level name of the algorithm (e.g. "sha1").
func (a Algorithm) Name() string { return a.name }

// Size returns the byte length of identifiers produced by this algorithm.
func (a Algorithm) Size() int { return a.size }

// HexSize returns the length of the hexadecimal representation of an
// identifier produced by this algorithm.
func (a Algorithm) HexSize() int { return a.hexSize }

// Zero returns the distinguished all-zero identifier for this algorithm,
// meaning "absent" or "deleted".
func (a Algorithm) Zero() ObjectID {
	return make(ObjectID, a.size)
}

// ParseHex parses the hexadecimal representation of an identifier. The
// input must be exactly HexSize characters long.
func (a Algorithm) ParseHex(s string) (ObjectID, error) {
	if len(s) != a.hexSize {
		return nil, ErrInvalidHexSize
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ObjectID(b), nil
}

// IsValidHex reports whether s could be an identifier under this algorithm,
// without producing an error.
func (a Algorithm) IsValidHex(s string) bool {
	_, err := a.ParseHex(s)
	return err == nil
}

// Sort sorts a slice of identifiers produced under the same algorithm, in
// increasing byte order.
func Sort(ids []ObjectID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i], ids[j]) < 0
	})
}
