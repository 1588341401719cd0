package engine

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	dns "golang.org/x/net/dns/dnsmessage"

	"github.com/ZZBTheChaos/iodine/internal/dispatch"
	"github.com/ZZBTheChaos/iodine/internal/dnswire"
	"github.com/ZZBTheChaos/iodine/internal/forwarder"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/internal/session"
	"github.com/ZZBTheChaos/iodine/internal/tunio"
)

// pipeDevice is an in-memory tun.Device stand-in backed by an os.Pipe
// so its read end has a real, select()-able file descriptor: unlike
// tunio's own fakeDevice (which never needs Fd()), this test exercises
// the engine's raw select() loop end to end.
type pipeDevice struct {
	r, w    *os.File
	mtu     int
	written chan []byte
}

func newPipeDevice(t *testing.T, mtu int) *pipeDevice {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	return &pipeDevice{r: r, w: w, mtu: mtu, written: make(chan []byte, 4)}
}

func (d *pipeDevice) Read(buf []byte, offset int) (int, error) { return d.r.Read(buf[offset:]) }
func (d *pipeDevice) Write(buf []byte, offset int) (int, error) {
	d.written <- append([]byte(nil), buf[offset:]...)
	return len(buf) - offset, nil
}
func (d *pipeDevice) MTU() (int, error)     { return d.mtu, nil }
func (d *pipeDevice) Name() (string, error) { return "faketun0", nil }
func (d *pipeDevice) File() *os.File        { return d.r }
func (d *pipeDevice) Close() error          { d.w.Close(); return d.r.Close() }

func buildQuery(id uint16, name string, qtype dns.Type) []byte {
	n, err := dns.NewName(name + ".")
	if err != nil {
		panic(err)
	}
	b := dns.NewBuilder(nil, dns.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		panic(err)
	}
	if err := b.Question(dns.Question{Name: n, Type: qtype, Class: dns.ClassINET}); err != nil {
		panic(err)
	}
	raw, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return raw
}

func b32(src []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	// minimal base32 encode sufficient for test fixtures; production
	// code uses internal/codec.Base32, not reproduced here to keep
	// this test package free of a dependency on dispatch internals.
	var out []byte
	var bits, acc uint
	for _, c := range src {
		acc = acc<<8 | uint(c)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, alphabet[(acc>>bits)&0x1f])
		}
	}
	if bits > 0 {
		out = append(out, alphabet[(acc<<(5-bits))&0x1f])
	}
	return string(out)
}

func TestEngineHandshakeOverUDP(t *testing.T) {
	dnsConn, err := dnswire.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("dnswire.Listen: %v", err)
	}
	defer dnsConn.Close()

	tbl := session.NewTable(4)
	serverIP := [4]byte{10, 0, 0, 1}
	if err := tbl.AssignTunIPs(net.IPv4(serverIP[0], serverIP[1], serverIP[2], serverIP[3])); err != nil {
		t.Fatalf("AssignTunIPs: %v", err)
	}
	d := dispatch.New(tbl, "sekrit", serverIP, 1130, false, nil, nil)

	e := &Engine{
		DNS:        dnsConn,
		Dispatcher: d,
		Table:      tbl,
		TopDomain:  "t.example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	client, err := net.DialUDP("udp4", nil, dnsConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	versionPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(versionPayload, dispatch.ProtocolVersion)
	name := "v" + b32(versionPayload) + ".t.example.com"
	req := buildQuery(0x1234, name, dns.Type(query.RRTypeNULL))

	if _, err := client.Write(req); err != nil {
		t.Fatalf("write query: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read answer: %v", err)
	}

	var p dns.Parser
	hdr, err := p.Start(buf[:n])
	if err != nil {
		t.Fatalf("parse answer header: %v", err)
	}
	if hdr.ID != 0x1234 {
		t.Errorf("answer id = %#x, want %#x", hdr.ID, 0x1234)
	}
	if _, err := p.AllQuestions(); err != nil {
		t.Fatalf("skip questions: %v", err)
	}
	if _, err := p.AnswerHeader(); err != nil {
		t.Fatalf("answer header: %v", err)
	}
	res, err := p.UnknownResource()
	if err != nil {
		t.Fatalf("unknown resource: %v", err)
	}
	if len(res.Data) != 9 || string(res.Data[:4]) != "VACK" {
		t.Fatalf("answer payload = %x, want a 9-byte VACK", res.Data)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestEngineDropsNonNullInZoneQuery(t *testing.T) {
	dnsConn, err := dnswire.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("dnswire.Listen: %v", err)
	}
	defer dnsConn.Close()

	tbl := session.NewTable(4)
	serverIP := [4]byte{10, 0, 0, 1}
	if err := tbl.AssignTunIPs(net.IPv4(serverIP[0], serverIP[1], serverIP[2], serverIP[3])); err != nil {
		t.Fatalf("AssignTunIPs: %v", err)
	}
	d := dispatch.New(tbl, "sekrit", serverIP, 1130, false, nil, nil)

	e := &Engine{
		DNS:        dnsConn,
		Dispatcher: d,
		Table:      tbl,
		TopDomain:  "t.example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	client, err := net.DialUDP("udp4", nil, dnsConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	// An in-zone name but an A query, not NULL: spec §4.3 says this
	// must be silently dropped rather than handed to the dispatcher.
	versionPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(versionPayload, dispatch.ProtocolVersion)
	name := "v" + b32(versionPayload) + ".t.example.com"
	req := buildQuery(0x5555, name, dns.Type(1))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write query: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("engine answered a non-NULL in-zone query, want silent drop")
	}
	if tbl.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0: a dropped non-NULL query must not allocate a session", tbl.ActiveCount())
	}
}

func TestEngineForwardsOutOfZoneQuery(t *testing.T) {
	resolverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP resolver: %v", err)
	}
	defer resolverConn.Close()
	resolverPort := resolverConn.LocalAddr().(*net.UDPAddr).Port
	go func() {
		buf := make([]byte, 512)
		n, addr, err := resolverConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		resolverConn.WriteToUDP(buf[:n], addr)
	}()

	dnsConn, err := dnswire.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("dnswire.Listen: %v", err)
	}
	defer dnsConn.Close()

	fwd, err := forwarder.New(resolverPort, nil)
	if err != nil {
		t.Fatalf("forwarder.New: %v", err)
	}
	defer fwd.Close()

	tbl := session.NewTable(1)
	d := dispatch.New(tbl, "sekrit", [4]byte{10, 0, 0, 1}, 1130, false, nil, nil)

	e := &Engine{
		DNS:        dnsConn,
		Forwarder:  fwd,
		Dispatcher: d,
		Table:      tbl,
		TopDomain:  "t.example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	client, err := net.DialUDP("udp4", nil, dnsConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	req := buildQuery(0x4242, "www.unrelated.example", dns.Type(1))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write query: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read echoed reply: %v", err)
	}
	if string(buf[:n]) != string(req) {
		t.Errorf("forwarded round trip = %x, want echoed query %x", buf[:n], req)
	}
}

func TestEngineTunIngressDeliversToSession(t *testing.T) {
	dev := newPipeDevice(t, 1130)

	dnsConn, err := dnswire.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("dnswire.Listen: %v", err)
	}
	defer dnsConn.Close()

	tbl := session.NewTable(2)
	serverIP := [4]byte{10, 0, 0, 1}
	if err := tbl.AssignTunIPs(net.IPv4(serverIP[0], serverIP[1], serverIP[2], serverIP[3])); err != nil {
		t.Fatalf("AssignTunIPs: %v", err)
	}
	tbl.Get(0).Active = true
	dst := tbl.Get(0).TunIP

	d := dispatch.New(tbl, "sekrit", serverIP, 1130, false, nil, nil)
	tun := tunio.New(dev, tbl, nil)

	e := &Engine{
		DNS:        dnsConn,
		Dispatcher: d,
		Table:      tbl,
		Tun:        tun,
		TopDomain:  "t.example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	pkt := make([]byte, 20)
	pkt[0] = 0x45
	copy(pkt[16:20], dst.To4())
	if _, err := dev.w.Write(pkt); err != nil {
		t.Fatalf("write to pipe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !tbl.Get(0).Out.Empty() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session 0's out-slot was never filled from the TUN device")
}
