// Package auth computes the login authenticator used by the NULL
// dispatcher's L branch.
//
// The authenticator binds a client's password to the per-session seed
// handed out at handshake, so a captured login exchange cannot be
// replayed against a different session. This is an integrity check,
// not a confidentiality mechanism (see spec Non-goals: the tunnel
// payload itself is never encrypted).
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// Len is the size in bytes of the authenticator carried in a login
// request: the Len octets that follow the one-octet userid.
const Len = 16

// Authenticator computes the expected 16-octet login authenticator
// for password and seed. The same (password, seed) pair always
// produces the same authenticator; a mismatch in either produces an
// unrelated one.
func Authenticator(password string, seed uint32) [Len]byte {
	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], seed)

	mac := hmac.New(sha1.New, []byte(password))
	mac.Write(seedBytes[:])
	sum := mac.Sum(nil)

	var out [Len]byte
	copy(out[:], sum[:Len])
	return out
}

// Verify reports whether candidate matches the expected authenticator
// for password and seed, using a constant-time comparison.
func Verify(password string, seed uint32, candidate []byte) bool {
	if len(candidate) < Len {
		return false
	}
	want := Authenticator(password, seed)
	return hmac.Equal(want[:], candidate[:Len])
}
