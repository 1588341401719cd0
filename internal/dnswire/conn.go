// Package dnswire is the DNS wire-format I/O adapter (spec §4.2): it
// owns the UDP listening socket, decodes incoming datagrams into
// internal/query.Query values, and encodes outgoing NULL-record
// answers back onto the wire.
//
// It is grounded on the parsing idiom of the teacher's
// net/dns/resolver/forwarder.go (dns.Parser, nameFromQuery) and uses
// golang.org/x/net/ipv4's ancillary control-message support to recover
// the original destination address on multi-homed servers, the way
// the reference implementation's recvfrom/IP_PKTINFO handling does.
package dnswire

import (
	"errors"
	"fmt"
	"net"
	"strings"

	dns "golang.org/x/net/dns/dnsmessage"
	"golang.org/x/net/ipv4"

	"github.com/ZZBTheChaos/iodine/internal/query"
)

// Fd exposes the underlying socket descriptor for the event loop's
// select set (spec §4.1). It does not duplicate the descriptor, so
// the returned value is only valid for as long as c is open.
func (c *Conn) Fd() (int, error) {
	raw, err := c.raw.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("dnswire: syscall conn: %w", err)
	}
	var fd int
	if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return 0, fmt.Errorf("dnswire: fd: %w", ctrlErr)
	}
	return fd, nil
}

// MaxDatagram is the largest UDP datagram this package will read or
// write. DNS-over-UDP without EDNS0 is bounded at 512 bytes, but
// iodine relies on larger NULL-record answers, so this tracks the
// tunnel's own fragment ceiling rather than the classic DNS limit.
const MaxDatagram = 4096

var errNotQuery = errors.New("dnswire: message is a response, not a query")

// Conn is a bound UDP socket speaking raw DNS messages.
type Conn struct {
	pc  *ipv4.PacketConn
	raw *net.UDPConn
}

// Listen opens a UDP socket at addr (host:port form) and enables
// IP_PKTINFO-style ancillary data so WriteAnswer can reply from the
// same local address a query arrived on.
func Listen(addr string) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dnswire: resolve %q: %w", addr, err)
	}
	uc, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dnswire: listen %q: %w", addr, err)
	}
	pc := ipv4.NewPacketConn(uc)
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		uc.Close()
		return nil, fmt.Errorf("dnswire: enable control messages: %w", err)
	}
	return &Conn{pc: pc, raw: uc}, nil
}

// LocalAddr returns the address the socket is bound to.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.raw.Close() }

// ReadQuery blocks for the next incoming datagram and decodes it into
// a Query. Non-query messages (responses, malformed packets) are
// reported as errors; callers should log and continue rather than
// treat them as fatal.
func (c *Conn) ReadQuery() (*query.Query, error) {
	buf := make([]byte, MaxDatagram)
	n, cm, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	raw := buf[:n]

	var parser dns.Parser
	hdr, err := parser.Start(raw)
	if err != nil {
		return nil, fmt.Errorf("dnswire: parse header: %w", err)
	}
	if hdr.Response {
		return nil, errNotQuery
	}
	q, err := parser.Question()
	if err != nil {
		return nil, fmt.Errorf("dnswire: parse question: %w", err)
	}

	udpSrc, ok := src.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("dnswire: unexpected source address type %T", src)
	}

	out := &query.Query{
		Src:  udpSrc,
		ID:   hdr.ID,
		Type: query.RRType(q.Type),
		Name: normalizeName(q.Name.String()),
		Raw:  append([]byte(nil), raw...),
	}
	if cm != nil && cm.Dst != nil {
		out.Dst = &net.UDPAddr{IP: cm.Dst, Port: localPort(c)}
	}
	return out, nil
}

func localPort(c *Conn) int {
	if a, ok := c.raw.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// normalizeName lowercases name and strips the trailing root dot
// dnsmessage.Name.String() always appends, matching the form
// internal/classifier expects.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// WriteAnswer builds and sends a single-question, single-answer
// response to q carrying payload as the RDATA of a NULL record, using
// the same ID and question section as the query (spec §4.2: answers
// echo the query's id and qname).
func (c *Conn) WriteAnswer(q *query.Query, payload []byte) error {
	raw, err := BuildAnswer(q, payload)
	if err != nil {
		return err
	}
	return c.writeTo(raw, q)
}

// WriteRaw sends an already wire-encoded message verbatim -- used by
// internal/forwarder to relay upstream resolver responses unchanged.
func (c *Conn) WriteRaw(raw []byte, q *query.Query) error {
	return c.writeTo(raw, q)
}

func (c *Conn) writeTo(raw []byte, q *query.Query) error {
	if q.Dst != nil {
		cm := &ipv4.ControlMessage{Src: q.Dst.IP}
		_, err := c.pc.WriteTo(raw, cm, q.Src)
		return err
	}
	_, err := c.pc.WriteTo(raw, nil, q.Src)
	return err
}

// BuildAnswer encodes a NULL-record answer for q carrying payload,
// without sending it. Exported for testing and for code paths (like
// internal/dispatch) that want to size or log the wire bytes before
// handing them to a Conn.
func BuildAnswer(q *query.Query, payload []byte) ([]byte, error) {
	name, err := dns.NewName(ensureTrailingDot(q.Name))
	if err != nil {
		return nil, fmt.Errorf("dnswire: invalid name %q: %w", q.Name, err)
	}

	b := dns.NewBuilder(nil, dns.Header{
		ID:            q.ID,
		Response:      true,
		Authoritative: true,
		RCode:         dns.RCodeSuccess,
	})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dns.Question{
		Name:  name,
		Type:  dns.Type(q.Type),
		Class: dns.ClassINET,
	}); err != nil {
		return nil, err
	}
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	if err := b.UnknownResource(dns.ResourceHeader{
		Name:  name,
		Type:  dns.Type(query.RRTypeNULL),
		Class: dns.ClassINET,
		TTL:   0,
	}, dns.UnknownResource{Type: dns.Type(query.RRTypeNULL), Data: payload}); err != nil {
		return nil, err
	}
	return b.Finish()
}

func ensureTrailingDot(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
