// Package codec implements the pluggable upstream-fragment decoders
// used by a user session. The wire protocol names exactly one codec
// today (base32), but the session type holds an Encoder interface so
// that a future command byte could select a denser one without
// touching the dispatcher.
package codec

// Encoder decodes (and, for symmetry, encodes) the octets that follow
// a command byte in a tunnel-encoded DNS label. Implementations must
// be safe to share across sessions: they hold no per-call state.
type Encoder interface {
	// Name identifies the encoder, e.g. for logging.
	Name() string

	// DecodedLen returns the maximum number of bytes Decode can
	// produce from n encoded input bytes.
	DecodedLen(n int) int

	// Decode decodes src into dst, returning the number of bytes
	// written. It returns an error if src is not validly encoded.
	Decode(dst, src []byte) (int, error)

	// EncodedLen returns the number of bytes Encode produces for n
	// input bytes.
	EncodedLen(n int) int

	// Encode encodes src into dst, returning the number of bytes
	// written.
	Encode(dst, src []byte) int
}

// byName is the registry of built-in encoders, keyed by the name
// passed to Decode/Encode callers that need to look one up (today
// only the default is ever selected; the registry exists so a new
// command byte can add an encoder without the dispatcher knowing its
// concrete type).
var byName = map[string]Encoder{
	"base32": Base32,
}

// Lookup returns a registered encoder by name, or nil if unknown.
func Lookup(name string) Encoder {
	return byName[name]
}
