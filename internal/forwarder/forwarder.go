// Package forwarder multiplexes non-tunnel DNS queries onto a
// co-resident stub resolver (spec §4.6). It is a direct, heavily
// simplified descendant of the teacher's net/dns/resolver.forwarder:
// it keeps the shape of a relay plus a per-query correlation table and
// a prefixed logger, but drops DoH/multi-upstream racing and
// EDNS(0) clamping -- this server relays opaque bytes to exactly one
// fixed upstream, rather than acting as a client-facing proxy over
// many transports.
package forwarder

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ZZBTheChaos/iodine/internal/forwardtable"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/types/logger"
)

// DefaultTableCapacity bounds the number of forwarded queries awaiting
// a reply at once, mirroring the teacher's forwardQuery bookkeeping
// generalized into internal/forwardtable's bounded FIFO.
const DefaultTableCapacity = 64

// Forwarder relays queries outside the tunnel zone to a single
// upstream resolver and correlates replies back to their asker by DNS
// transaction id.
type Forwarder struct {
	logf  logger.Logf
	conn  *net.UDPConn
	table *forwardtable.Table
}

// New dials a UDP socket to 127.0.0.1:port, the fixed stub resolver
// address named in spec §6 (-b PORT).
func New(port int, logf logger.Logf) (*Forwarder, error) {
	if logf == nil {
		logf = logger.Discard
	}
	upstream, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("forwarder: resolve upstream: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, upstream)
	if err != nil {
		return nil, fmt.Errorf("forwarder: dial upstream: %w", err)
	}
	return &Forwarder{
		logf:  logger.WithPrefix(logf, "forward: "),
		conn:  conn,
		table: forwardtable.New(DefaultTableCapacity),
	}, nil
}

// Conn exposes the underlying socket for the event loop's select set.
func (f *Forwarder) Conn() *net.UDPConn { return f.conn }

// Fd exposes the underlying socket descriptor for the event loop's
// select set (spec §4.1). It does not duplicate the descriptor, so
// the returned value is only valid for as long as f is open.
func (f *Forwarder) Fd() (int, error) {
	raw, err := f.conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("forwarder: syscall conn: %w", err)
	}
	var fd int
	if ctrlErr := raw.Control(func(fp uintptr) { fd = int(fp) }); ctrlErr != nil {
		return 0, fmt.Errorf("forwarder: fd: %w", ctrlErr)
	}
	return fd, nil
}

// Close releases the upstream socket.
func (f *Forwarder) Close() error { return f.conn.Close() }

// Forward relays q's raw wire bytes to the upstream resolver verbatim
// and records q's original asker so the reply can be routed back
// (spec §4.6: "forward verbatim bytes to a fixed upstream").
func (f *Forwarder) Forward(q *query.Query) error {
	f.table.Put(q.ID, q.Src)
	if _, err := f.conn.Write(q.Raw); err != nil {
		return fmt.Errorf("forwarder: send query %d: %w", q.ID, err)
	}
	return nil
}

// maxReply is the largest reply this package will read from the
// upstream resolver in one Read.
const maxReply = 4096

// ReadResponse blocks for the next upstream reply, reporting the
// original asker to relay it to. A reply whose id has no matching
// entry (already answered, evicted, or spoofed) is reported as an
// error; callers should log and drop it rather than treat it as fatal.
func (f *Forwarder) ReadResponse() (client *net.UDPAddr, raw []byte, err error) {
	buf := make([]byte, maxReply)
	n, err := f.conn.Read(buf)
	if err != nil {
		return nil, nil, err
	}
	if n < 2 {
		return nil, nil, fmt.Errorf("forwarder: reply too short (%d bytes)", n)
	}
	raw = append([]byte(nil), buf[:n]...)
	id := binary.BigEndian.Uint16(raw[:2])

	addr, ok := f.table.Take(id)
	if !ok {
		return nil, nil, fmt.Errorf("forwarder: lost sender of id %d, dropping reply", id)
	}
	return addr, raw, nil
}
