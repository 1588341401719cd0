// Package session implements the fixed-capacity user table described
// in spec §3: one Session per slot, indexed by small integer userid,
// owned exclusively by the single-threaded event loop (no locks).
package session

import (
	"net"
	"time"

	"github.com/ZZBTheChaos/iodine/internal/codec"
	"github.com/ZZBTheChaos/iodine/internal/query"
)

// MaxBuffer bounds the per-session upstream/downstream buffers at
// 64 KiB, per spec §5's resource caps.
const MaxBuffer = 65536

// InBuffer is the upstream reassembly buffer. Len and Offset are kept
// as separate fields, rather than collapsed into one, because spec §8
// names "inpacket.len == inpacket.offset after every handler returns"
// as a directly testable invariant.
type InBuffer struct {
	Data   [MaxBuffer]byte
	Len    int
	Offset int
}

// Reset clears the buffer, discarding any partially assembled
// datagram.
func (b *InBuffer) Reset() {
	b.Len = 0
	b.Offset = 0
}

// Append appends src at Offset, advancing both Len and Offset
// together (preserving the Len == Offset invariant). It reports
// whether there was room.
func (b *InBuffer) Append(src []byte) bool {
	if b.Offset+len(src) > len(b.Data) {
		return false
	}
	n := copy(b.Data[b.Offset:], src)
	b.Offset += n
	b.Len = b.Offset
	return true
}

// Bytes returns the assembled data so far.
func (b *InBuffer) Bytes() []byte {
	return b.Data[:b.Len]
}

// OutBuffer is the at-most-one-packet downstream pending payload.
type OutBuffer struct {
	Data [MaxBuffer]byte
	Len  int
}

// Empty reports whether the slot can accept a fresh downstream
// packet.
func (b *OutBuffer) Empty() bool { return b.Len == 0 }

// Set stores payload as the pending downstream packet. It reports
// whether there was room; callers must check Empty first per the
// single-slot rule.
func (b *OutBuffer) Set(payload []byte) bool {
	if len(payload) > len(b.Data) {
		return false
	}
	b.Len = copy(b.Data[:], payload)
	return true
}

// Bytes returns the pending payload.
func (b *OutBuffer) Bytes() []byte { return b.Data[:b.Len] }

// Clear empties the buffer.
func (b *OutBuffer) Clear() { b.Len = 0 }

// Session is one user table slot (spec §3).
type Session struct {
	// UserID is this slot's index, set once at table construction.
	UserID int

	Active bool

	// Seed is the 32-bit nonce generated at handshake and used as the
	// login challenge.
	Seed uint32

	// Host pins the session to the IPv4 address observed at
	// handshake. It is never rewritten after being set (spec §3
	// invariant).
	Host net.IP

	// TunIP is the address assigned to this user inside the tunnel.
	TunIP net.IP

	// Encoder decodes this user's upstream fragments.
	Encoder codec.Encoder

	// LastPkt is the wall-clock time of the last received packet from
	// this user.
	LastPkt time.Time

	// Parked holds at most one DNS query awaiting a downstream
	// payload. nil stands in for the C source's "id == 0" empty
	// sentinel: spec §3's "parked_query.id != 0 implies the server
	// owes this client a downstream answer" becomes "Parked != nil
	// implies...".
	Parked *query.Query

	In  InBuffer
	Out OutBuffer
}

func newSession(id int) *Session {
	return &Session{UserID: id}
}

// Reset returns the slot to its pre-handshake empty state.
func (s *Session) Reset() {
	id := s.UserID
	*s = Session{UserID: id}
}

// IsParked reports whether a query is parked for this session.
func (s *Session) IsParked() bool { return s.Parked != nil }

// Park stores q as the session's parked query, clearing any previous
// one (spec: "at most one parked query per user").
func (s *Session) Park(q *query.Query) {
	s.Parked = q.Clone()
}

// Unpark clears the parked query, returning the previous one (or nil).
func (s *Session) Unpark() *query.Query {
	q := s.Parked
	s.Parked = nil
	return q
}

// HostMatches reports whether addr matches the pinned Host. A slot
// that has never completed the V handshake (Active false, Host unset)
// rejects every address: the reference implementation's users[] is a
// zero-initialized static array, so ip_cmp compares against 0.0.0.0,
// which a real client address never matches. Treating an unallocated
// slot as "matches anything" would let an attacker address a
// never-handshaken userid directly under IP pinning.
func (s *Session) HostMatches(addr net.IP) bool {
	if !s.Active {
		return false
	}
	return s.Host.Equal(addr)
}

// TryDeliver stores payload as this session's pending downstream
// packet if, and only if, the slot is currently empty (spec §3: "at
// most one slot (no real queue)"). If a query is parked, it is
// flushed immediately via flush and the slot is cleared again. It
// reports whether payload was accepted; false means it was dropped.
//
// Both the TUN ingress path (spec §4.5) and the hex-digit fragment
// branch's cross-user delivery (spec §4.4) apply this exact rule, so
// it lives here once instead of being duplicated at each call site.
func (s *Session) TryDeliver(payload []byte, flush func(q *query.Query, payload []byte)) bool {
	if !s.Out.Empty() {
		return false
	}
	if !s.Out.Set(payload) {
		return false
	}
	if s.IsParked() {
		q := s.Unpark()
		flush(q, s.Out.Bytes())
		s.Out.Clear()
	}
	return true
}
