package codec

import "testing"

func TestBase32RoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0},
		{1, 2, 3, 4, 5},
		[]byte("the quick brown fox"),
	}
	for _, in := range cases {
		enc := make([]byte, Base32.EncodedLen(len(in)))
		n := Base32.Encode(enc, in)
		enc = enc[:n]

		dec := make([]byte, Base32.DecodedLen(len(enc)))
		m, err := Base32.Decode(dec, enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		dec = dec[:m]
		if string(dec) != string(in) {
			t.Errorf("round trip mismatch: got %q, want %q", dec, in)
		}
	}
}

func TestBase32DecodeIsCaseInsensitive(t *testing.T) {
	in := []byte("hello")
	enc := make([]byte, Base32.EncodedLen(len(in)))
	n := Base32.Encode(enc, in)
	lower := make([]byte, n)
	for i, b := range enc[:n] {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		lower[i] = b
	}

	dec := make([]byte, Base32.DecodedLen(len(lower)))
	m, err := Base32.Decode(dec, lower)
	if err != nil {
		t.Fatalf("Decode(%q): %v", lower, err)
	}
	if string(dec[:m]) != string(in) {
		t.Errorf("got %q, want %q", dec[:m], in)
	}
}

func TestLookup(t *testing.T) {
	if Lookup("base32") == nil {
		t.Error("Lookup(base32) = nil, want the default encoder")
	}
	if Lookup("unknown") != nil {
		t.Error("Lookup(unknown) = non-nil, want nil")
	}
}
