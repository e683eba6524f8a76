package hash

import "testing"

func TestZeroIsZero(t *testing.T) {
	if !SHA1.Zero().IsZero() {
		t.Fatal("expected zero id to report IsZero")
	}
}

func TestParseHexRoundTrip(t *testing.T) {
	const hex40 = "94b9d8b3a9f3a1f6b1b4b2e9b1a3e1d2c3b4a5f6"
	id, err := SHA1.ParseHex(hex40)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if id.String() != hex40 {
		t.Fatalf("round trip mismatch: got %s want %s", id.String(), hex40)
	}
	if len(id) != SHA1.Size() {
		t.Fatalf("unexpected length %d", len(id))
	}
}

func TestParseHexWrongSize(t *testing.T) {
	if _, err := SHA1.ParseHex("abcd"); err != ErrInvalidHexSize {
		t.Fatalf("expected ErrInvalidHexSize, got %v", err)
	}
}

func TestByName(t *testing.T) {
	if a, ok := ByName("sha256"); !ok || a.Size() != 32 {
		t.Fatalf("expected sha256 algorithm, got %+v ok=%v", a, ok)
	}
	if a, ok := ByName(""); !ok || a.Name() != "sha1" {
		t.Fatalf("expected empty name to default to sha1, got %+v", a)
	}
	if _, ok := ByName("blake3"); ok {
		t.Fatal("expected blake3 to be unrecognized")
	}
}

func TestEqual(t *testing.T) {
	a, _ := SHA1.ParseHex("94b9d8b3a9f3a1f6b1b4b2e9b1a3e1d2c3b4a5f6")
	b, _ := SHA1.ParseHex("94b9d8b3a9f3a1f6b1b4b2e9b1a3e1d2c3b4a5f6")
	c, _ := SHA1.ParseHex("000000000000000000000000000000000000000a")
	if !a.Equal(b) {
		t.Fatal("expected equal identifiers to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different identifiers to compare unequal")
	}
}
