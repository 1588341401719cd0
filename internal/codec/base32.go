package codec

import "encoding/base32"

// base32Codec adapts the standard library's base32 codec to the
// Encoder interface. DNS labels are case-insensitive, so the wire
// encoding uses the standard (not hex) alphabet without padding, and
// Decode upper-cases its input first since resolvers and clients may
// alter case in transit (see the Z-branch case-preservation probe in
// the dispatcher, which exists precisely because intermediate
// resolvers are not trusted to preserve case for payload bytes).
type base32Codec struct {
	enc *base32.Encoding
}

// Base32 is the default, and currently only, built-in Encoder.
var Base32 Encoder = base32Codec{enc: base32.StdEncoding.WithPadding(base32.NoPadding)}

func (base32Codec) Name() string { return "base32" }

func (c base32Codec) DecodedLen(n int) int { return c.enc.DecodedLen(n) }

func (c base32Codec) EncodedLen(n int) int { return c.enc.EncodedLen(n) }

func (c base32Codec) Decode(dst, src []byte) (int, error) {
	upper := make([]byte, len(src))
	for i, b := range src {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		upper[i] = b
	}
	return c.enc.Decode(dst, upper)
}

func (c base32Codec) Encode(dst, src []byte) int {
	c.enc.Encode(dst, src)
	return c.enc.EncodedLen(len(src))
}
