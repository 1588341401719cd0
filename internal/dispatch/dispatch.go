// Package dispatch implements the NULL-query request state machine
// (spec §4.4): version handshake, login/authentication, ping/park,
// case-check, and upstream fragment assembly with optional
// cross-user or TUN delivery.
//
// It is grounded on handle_null_request in original_source's
// iodined.c, translated from its single giant if/else-if chain into
// one method per branch -- the way the teacher corpus favors small
// named methods (e.g. forwarder.go's send/resolvers/setRoutes split)
// over one long function.
package dispatch

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ZZBTheChaos/iodine/internal/auth"
	"github.com/ZZBTheChaos/iodine/internal/codec"
	"github.com/ZZBTheChaos/iodine/internal/framing"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/internal/session"
	"github.com/ZZBTheChaos/iodine/types/logger"
)

// ProtocolVersion is the 32-bit value exchanged in the V/v handshake.
// A client whose version differs is refused with VNAK.
const ProtocolVersion uint32 = 0x00000502

// versionUndefined is the sentinel used when a version datagram
// decodes to fewer than 4 payload octets. Spec §9.2: "implementations
// should treat version as undefined in that case"; this value can
// never equal ProtocolVersion, so it always falls through to VNAK.
const versionUndefined uint32 = 0xFFFFFFFF

// TunWriter is the method of internal/tunio's Conn this package
// needs: handing a decompressed IP packet that has no matching tunnel
// user to the outbound TUN path (spec §4.4, hex-digit branch, the
// touser == -1 case).
type TunWriter interface {
	WriteIP(packet []byte) error
}

// Dispatcher holds the configuration and shared state the state
// machine needs across requests. One Dispatcher is owned by the
// single-threaded event loop; it is not safe for concurrent use.
type Dispatcher struct {
	Table     *session.Table
	Password  string
	ServerIP  [4]byte
	MTU       int
	CheckIP   bool
	TunWriter TunWriter
	Logf      logger.Logf

	// randUint32 generates the per-session handshake nonce. Overridable
	// in tests for determinism; defaults to math/rand in New.
	randUint32 func() uint32
}

// New builds a Dispatcher with a production random source.
func New(tbl *session.Table, password string, serverIP [4]byte, mtu int, checkIP bool, tw TunWriter, logf logger.Logf) *Dispatcher {
	if logf == nil {
		logf = logger.Discard
	}
	return &Dispatcher{
		Table:      tbl,
		Password:   password,
		ServerIP:   serverIP,
		MTU:        mtu,
		CheckIP:    checkIP,
		TunWriter:  tw,
		Logf:       logger.WithPrefix(logf, "dispatch: "),
		randUint32: rand.Uint32,
	}
}

// Reply is an answer to send back for the query that produced it. A
// nil Reply means no answer should be sent now (parked, or no userid
// could be determined -- spec §4.4's "userid must be set for a reply
// to be sent").
type Reply struct {
	Payload []byte
}

// Flush is the side-channel callback used to deliver a previously
// parked query's answer when a cross-user or ping overwrite bumps it
// out of the single slot (spec §4.4: "if a delayed response is kept,
// send empty reply before overwriting").
type Flush func(q *query.Query, payload []byte)

// Handle runs one decoded, in-zone NULL query through the state
// machine. prefix is the query name octets with the topdomain suffix
// already stripped (internal/classifier's job).
func (d *Dispatcher) Handle(q *query.Query, prefix string, flush Flush) *Reply {
	if prefix == "" {
		return nil
	}
	c := prefix[0]
	switch {
	case c == 'V' || c == 'v':
		return d.dispatchVersion(q, prefix[1:])
	case c == 'L' || c == 'l':
		return d.dispatchLogin(q, prefix[1:])
	case c == 'P' || c == 'p':
		return d.dispatchPing(q, prefix[1:], flush)
	case c == 'Z' || c == 'z':
		return d.dispatchCaseCheck(q, prefix)
	case isHexDigit(c):
		return d.dispatchFragment(q, prefix, flush)
	default:
		return nil
	}
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}

// versionAck identifies one of the three fixed-text handshake replies.
type versionAck string

const (
	versionACK  versionAck = "VACK"
	versionNACK versionAck = "VNAK"
	versionFULL versionAck = "VFUL"
)

// buildVersionReply encodes the 9-byte VACK/VNAK/VFUL answer: 4 ASCII
// tag octets, a big-endian 32-bit payload, and a trailing userid byte
// (spec §4.4).
func buildVersionReply(ack versionAck, payload uint32, userid byte) []byte {
	out := make([]byte, 9)
	copy(out, []byte(ack))
	binary.BigEndian.PutUint32(out[4:8], payload)
	out[8] = userid
	return out
}

func (d *Dispatcher) dispatchVersion(q *query.Query, encoded string) *Reply {
	unpacked, err := decodeWith(codec.Base32, encoded)
	if err != nil {
		d.Logf("version: decode: %v", err)
	}

	version := versionUndefined
	if len(unpacked) >= 4 {
		version = binary.BigEndian.Uint32(unpacked[:4])
	}

	if version != ProtocolVersion {
		return &Reply{Payload: buildVersionReply(versionNACK, ProtocolVersion, 0)}
	}

	id, ok := d.Table.Allocate()
	if !ok {
		return &Reply{Payload: buildVersionReply(versionFULL, uint32(d.Table.Len()), 0)}
	}
	s := d.Table.Get(id)
	s.Active = true
	s.Seed = d.randUint32()
	s.Host = append([]byte(nil), q.Src.IP.To4()...)
	s.Encoder = codec.Base32
	s.LastPkt = time.Now()

	return &Reply{Payload: buildVersionReply(versionACK, s.Seed, byte(id))}
}

func (d *Dispatcher) dispatchLogin(q *query.Query, encoded string) *Reply {
	unpacked, err := decodeWith(codec.Base32, encoded)
	if err != nil || len(unpacked) < 1 {
		return &Reply{Payload: []byte("BADIP")}
	}
	userid := int(unpacked[0])
	if !d.Table.Valid(userid) {
		return &Reply{Payload: []byte("BADIP")}
	}
	s := d.Table.Get(userid)
	s.LastPkt = time.Now()

	if d.CheckIP && !s.HostMatches(q.Src.IP) {
		return &Reply{Payload: []byte("BADIP")}
	}

	if len(unpacked) < 1+auth.Len || !auth.Verify(d.Password, s.Seed, unpacked[1:1+auth.Len]) {
		return &Reply{Payload: []byte("LNAK")}
	}

	out := fmt.Sprintf("%d.%d.%d.%d-%d.%d.%d.%d-%d",
		d.ServerIP[0], d.ServerIP[1], d.ServerIP[2], d.ServerIP[3],
		s.TunIP[0], s.TunIP[1], s.TunIP[2], s.TunIP[3],
		d.MTU)
	return &Reply{Payload: []byte(out)}
}

func (d *Dispatcher) dispatchPing(q *query.Query, encoded string, flush Flush) *Reply {
	unpacked, err := decodeWith(codec.Base32, encoded)
	if err != nil || len(unpacked) < 1 {
		return &Reply{Payload: []byte("BADIP")}
	}
	userid := int(unpacked[0])
	if !d.Table.Valid(userid) {
		return &Reply{Payload: []byte("BADIP")}
	}
	s := d.Table.Get(userid)
	if !s.HostMatches(q.Src.IP) {
		return &Reply{Payload: []byte("BADIP")}
	}

	d.flushStale(s, flush)
	s.Park(q)
	s.LastPkt = time.Now()
	return nil
}

func (d *Dispatcher) dispatchCaseCheck(q *query.Query, prefix string) *Reply {
	return &Reply{Payload: []byte(prefix)}
}

func (d *Dispatcher) dispatchFragment(q *query.Query, prefix string, flush Flush) *Reply {
	code := hexValue(prefix[0])
	userid := code >> 1
	if !d.Table.Valid(userid) {
		return &Reply{Payload: []byte("BADIP")}
	}
	s := d.Table.Get(userid)
	if d.CheckIP && !s.HostMatches(q.Src.IP) {
		return &Reply{Payload: []byte("BADIP")}
	}

	enc := s.Encoder
	if enc == nil {
		enc = codec.Base32
	}
	unpacked, err := decodeWith(enc, prefix[1:])
	if err != nil {
		d.Logf("fragment: decode: %v", err)
		return d.finalAnswer(s, q)
	}

	s.LastPkt = time.Now()
	d.flushStale(s, flush)
	s.Park(q)

	if !s.In.Append(unpacked) {
		d.Logf("fragment: in-buffer overflow for user %d, dropping assembled data", userid)
		s.In.Reset()
		return d.finalAnswer(s, q)
	}

	if code&1 != 0 {
		d.deliverAssembled(userid, s, flush)
	}

	return d.finalAnswer(s, q)
}

// flushStale sends any already-queued downstream payload for s before
// it is overwritten by a fresh parked query, per spec §4.4's "if a
// delayed response is kept, send empty reply before overwriting".
func (d *Dispatcher) flushStale(s *session.Session, flush Flush) {
	if !s.IsParked() {
		return
	}
	q := s.Unpark()
	flush(q, s.Out.Bytes())
	s.Out.Clear()
}

// deliverAssembled decompresses the reassembled frame only to read its
// destination address. The still-compressed bytes, not the decoded
// frame, are what get handed to another session: that client
// decompresses the frame itself when it receives it as a downstream
// answer, exactly as the reference implementation's hex-digit handler
// forwards inpacket.data (compressed) rather than its scratch
// decompression buffer. A miss (no matching tunnel address) instead
// writes the decompressed frame straight to the TUN device, since nothing
// downstream of that point is going to decompress it for us.
func (d *Dispatcher) deliverAssembled(fromID int, from *session.Session, flush Flush) {
	compressed := append([]byte(nil), from.In.Bytes()...)
	frame, err := framing.Decompress(compressed)
	from.In.Reset()
	if err != nil {
		d.Logf("deliver: decompress user %d: %v", fromID, err)
		return
	}

	dst, ok := destAddress(frame)
	if !ok {
		d.Logf("deliver: frame from user %d too short to hold an IP header", fromID)
		return
	}

	if toID, ok := d.Table.FindByTunIP(net.IP(dst[:])); ok {
		to := d.Table.Get(toID)
		to.TryDeliver(compressed, flush)
		return
	}

	if d.TunWriter != nil {
		if err := d.TunWriter.WriteIP(frame); err != nil {
			d.Logf("deliver: write to tun: %v", err)
		}
	}
}

// destAddress extracts the destination IPv4 address from a decoded
// tunnel frame. Frames carry a 4-byte link-layer placeholder (matching
// the TUN ingress path's own framing) ahead of the IP header.
func destAddress(frame []byte) (dst [4]byte, ok bool) {
	const linkHeaderLen = 4
	const minIPHeaderLen = 20
	if len(frame) < linkHeaderLen+minIPHeaderLen {
		return dst, false
	}
	ipHdr := frame[linkHeaderLen:]
	copy(dst[:], ipHdr[16:20])
	return dst, true
}

// finalAnswer implements spec §4.4's closing rule: "userid must be set
// for a reply to be sent" -- if the session has a queued downstream
// payload, send it now and clear both the slot and the park.
func (d *Dispatcher) finalAnswer(s *session.Session, q *query.Query) *Reply {
	if !s.HostMatches(q.Src.IP) || s.Out.Empty() {
		return nil
	}
	payload := append([]byte(nil), s.Out.Bytes()...)
	s.Out.Clear()
	s.Unpark()
	return &Reply{Payload: payload}
}

func decodeWith(enc codec.Encoder, s string) ([]byte, error) {
	src := []byte(s)
	dst := make([]byte, enc.DecodedLen(len(src)))
	n, err := enc.Decode(dst, src)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
