// Package query defines the decoded form of an incoming DNS datagram
// used throughout the tunnel engine. It has no dependencies on the
// wire codec or the session table so that every other package can
// import it without risking an import cycle.
package query

import "net"

// RRType is a DNS resource record type code.
type RRType uint16

// RRTypeNULL is the only record type the dispatcher accepts for
// tunnel traffic (spec Non-goals: "support for record types other
// than NULL for tunnel traffic").
const RRTypeNULL RRType = 10

// Query is a decoded incoming DNS packet plus its network metadata.
//
// It corresponds to spec §3's Query type: {src_addr, fromlen, dst_addr,
// id, type, name}. The C-era fromlen (a recvfrom socklen_t) has no Go
// equivalent worth keeping: net.UDPAddr already carries everything
// fromlen existed to bound, so it is intentionally omitted here rather
// than kept as dead weight.
type Query struct {
	// Src is the address the datagram arrived from.
	Src *net.UDPAddr
	// Dst is the original destination address, recovered from
	// ancillary control data where the OS supports it. It may be nil.
	Dst *net.UDPAddr
	// ID is the 16-bit DNS transaction id.
	ID uint16
	// Type is the queried RR type.
	Type RRType
	// Name is the fully qualified query name, lowercased, without a
	// trailing dot.
	Name string
	// Raw is the original wire-format bytes of the whole query, used
	// verbatim by the stub-resolver forwarder.
	Raw []byte
}

// Clone returns a deep copy of q suitable for parking: later mutation
// of a reused read buffer must not corrupt a parked query.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	if q.Src != nil {
		srcCopy := *q.Src
		c.Src = &srcCopy
	}
	if q.Dst != nil {
		dstCopy := *q.Dst
		c.Dst = &dstCopy
	}
	if q.Raw != nil {
		c.Raw = append([]byte(nil), q.Raw...)
	}
	return &c
}
