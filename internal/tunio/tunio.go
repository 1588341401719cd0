// Package tunio is the TUN ingress/egress path (spec §4.5): it reads
// whole IP packets from the local TUN device, wraps them in the
// 4-byte link header the tunnel wire format always carries (so a
// frame looks the same whether it came off this host's TUN device or
// was reassembled from a hex-digit fragment sent by another client),
// and routes based on destination tunnel address.
//
// It is grounded on the teacher's net/tstun/wrap.go: it depends only
// on the wireguard-go tun.Device interface (Read/Write/MTU/Close/Name),
// not on tstun.Wrapper's filtering and injection machinery, which has
// no analogue in this server.
package tunio

import (
	"fmt"
	"net"
	"os"

	"github.com/ZZBTheChaos/iodine/internal/framing"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/internal/session"
	"github.com/ZZBTheChaos/iodine/types/logger"
)

// Device is the subset of golang.zx2c4.com/wireguard/tun.Device this
// package needs. Declaring it locally (rather than importing the
// wireguard package's interface type directly into every signature)
// keeps this package testable with an in-memory fake.
type Device interface {
	Read(buf []byte, offset int) (int, error)
	Write(buf []byte, offset int) (int, error)
	MTU() (int, error)
	Name() (string, error)
	File() *os.File
	Close() error
}

// LinkHeaderLen is the size of the placeholder link-layer header that
// prefixes every frame in the tunnel wire format, matching the
// reference implementation's raw BSD tun header convention (spec §4.5,
// §9: "skip the 4-byte link header").
const LinkHeaderLen = 4

const maxFrame = 65536

const ipHeaderDstOffset = 16 // offset of the destination field within an IPv4 header

// Conn owns the local TUN device and implements both the ingress read
// loop and the egress write path used by internal/dispatch's
// TunWriter.
type Conn struct {
	dev   Device
	table *session.Table
	logf  logger.Logf
}

// New wraps dev for use by the event loop.
func New(dev Device, tbl *session.Table, logf logger.Logf) *Conn {
	if logf == nil {
		logf = logger.Discard
	}
	return &Conn{dev: dev, table: tbl, logf: logger.WithPrefix(logf, "tunio: ")}
}

// MTU reports the device's configured MTU.
func (c *Conn) MTU() (int, error) { return c.dev.MTU() }

// Close releases the underlying device.
func (c *Conn) Close() error { return c.dev.Close() }

// Fd exposes the device's file descriptor for the event loop's select
// set (spec §4.1).
func (c *Conn) Fd() (int, error) {
	f := c.dev.File()
	if f == nil {
		return 0, fmt.Errorf("tunio: device exposes no file descriptor")
	}
	return int(f.Fd()), nil
}

// WriteIP writes frame (link header included) to the TUN device,
// after stripping the link header the device itself doesn't expect.
// It satisfies internal/dispatch.TunWriter.
func (c *Conn) WriteIP(frame []byte) error {
	if len(frame) < LinkHeaderLen {
		return fmt.Errorf("tunio: frame of %d bytes shorter than link header", len(frame))
	}
	_, err := c.dev.Write(frame[LinkHeaderLen:], 0)
	return err
}

// Flush is called with the destination session's queued reply when a
// packet has just been placed in that session's empty single out-slot
// and a query is already parked to carry it (spec §4.5's share of the
// §4.4 "single slot" rule, via internal/session.Session.TryDeliver).
// A packet for a session whose out-slot is occupied is dropped.
type Flush func(q *query.Query, payload []byte)

// ReadAndDeliver blocks for one packet from the TUN device, frames and
// compresses it, and either hands it to the destination session's
// single-slot out-queue or drops it if no session owns that tunnel
// address (spec §4.5: the server only knows how to route to its own
// logged-in clients; packets for anyone else have nowhere to go on
// this side).
func (c *Conn) ReadAndDeliver(flush Flush) error {
	buf := make([]byte, maxFrame)
	n, err := c.dev.Read(buf, 0)
	if err != nil {
		return err
	}
	ipPacket := buf[:n]

	dst, ok := ipv4Dest(ipPacket)
	if !ok {
		c.logf("dropping short or non-IPv4 packet (%d bytes)", n)
		return nil
	}

	id, ok := c.table.FindByTunIP(dst)
	if !ok {
		c.logf("no session owns tunnel address %v, dropping", dst)
		return nil
	}

	frame := make([]byte, LinkHeaderLen+len(ipPacket))
	copy(frame[LinkHeaderLen:], ipPacket)

	compressed, err := framing.Compress(frame)
	if err != nil {
		c.logf("compress: %v", err)
		return nil
	}

	s := c.table.Get(id)
	s.TryDeliver(compressed, func(q *query.Query, payload []byte) {
		flush(q, payload)
	})
	return nil
}

// ipv4Dest extracts the destination address from a bare (no link
// header) IPv4 packet.
func ipv4Dest(packet []byte) (net.IP, bool) {
	const minIPv4HeaderLen = 20
	if len(packet) < minIPv4HeaderLen {
		return nil, false
	}
	if packet[0]>>4 != 4 {
		return nil, false
	}
	ip := make(net.IP, 4)
	copy(ip, packet[ipHeaderDstOffset:ipHeaderDstOffset+4])
	return ip, true
}
