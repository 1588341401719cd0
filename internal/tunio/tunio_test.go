package tunio

import (
	"bytes"
	"io"
	"net"
	"os"
	"testing"

	"github.com/ZZBTheChaos/iodine/internal/framing"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/internal/session"
)

// fakeDevice is an in-memory stand-in for a wireguard-go tun.Device,
// queuing one packet per Read call and recording every Write.
type fakeDevice struct {
	toRead  [][]byte
	readPos int
	written [][]byte
	mtu     int
}

func (f *fakeDevice) Read(buf []byte, offset int) (int, error) {
	if f.readPos >= len(f.toRead) {
		return 0, io.EOF
	}
	pkt := f.toRead[f.readPos]
	f.readPos++
	n := copy(buf[offset:], pkt)
	return n, nil
}

func (f *fakeDevice) Write(buf []byte, offset int) (int, error) {
	f.written = append(f.written, append([]byte(nil), buf[offset:]...))
	return len(buf) - offset, nil
}

func (f *fakeDevice) MTU() (int, error)     { return f.mtu, nil }
func (f *fakeDevice) Name() (string, error) { return "faketun0", nil }
func (f *fakeDevice) File() *os.File        { return nil }
func (f *fakeDevice) Close() error          { return nil }

func minimalIPv4Packet(dst net.IP) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45 // version 4, IHL 5
	copy(pkt[16:20], dst.To4())
	return pkt
}

func newTestTable(t *testing.T) *session.Table {
	t.Helper()
	tbl := session.NewTable(2)
	if err := tbl.AssignTunIPs(net.IPv4(10, 0, 0, 1)); err != nil {
		t.Fatalf("AssignTunIPs: %v", err)
	}
	for i := 0; i < 2; i++ {
		tbl.Get(i).Active = true
	}
	return tbl
}

func TestReadAndDeliverRoutesToMatchingSession(t *testing.T) {
	tbl := newTestTable(t)
	dst := tbl.Get(1).TunIP
	dev := &fakeDevice{toRead: [][]byte{minimalIPv4Packet(dst)}, mtu: 1130}
	conn := New(dev, tbl, nil)

	if err := conn.ReadAndDeliver(func(*query.Query, []byte) {}); err != nil {
		t.Fatalf("ReadAndDeliver: %v", err)
	}

	s := tbl.Get(1)
	if s.Out.Empty() {
		t.Fatal("destination session's out-slot was not filled")
	}
	decompressed, err := framing.Decompress(s.Out.Bytes())
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if len(decompressed) != LinkHeaderLen+20 {
		t.Fatalf("decompressed frame length = %d, want %d", len(decompressed), LinkHeaderLen+20)
	}
	if !bytes.Equal(decompressed[LinkHeaderLen:], minimalIPv4Packet(dst)) {
		t.Error("decompressed frame body does not match the original IP packet")
	}
}

func TestReadAndDeliverDropsUnroutableDestination(t *testing.T) {
	tbl := newTestTable(t)
	dev := &fakeDevice{toRead: [][]byte{minimalIPv4Packet(net.IPv4(8, 8, 8, 8))}, mtu: 1130}
	conn := New(dev, tbl, nil)

	if err := conn.ReadAndDeliver(func(*query.Query, []byte) {}); err != nil {
		t.Fatalf("ReadAndDeliver: %v", err)
	}
	for i := 0; i < tbl.Len(); i++ {
		if !tbl.Get(i).Out.Empty() {
			t.Errorf("session %d unexpectedly received a packet", i)
		}
	}
}

func TestWriteIPStripsLinkHeader(t *testing.T) {
	dev := &fakeDevice{mtu: 1130}
	conn := New(dev, session.NewTable(1), nil)

	frame := append([]byte{0, 0, 0, 0}, minimalIPv4Packet(net.IPv4(1, 2, 3, 4))...)
	if err := conn.WriteIP(frame); err != nil {
		t.Fatalf("WriteIP: %v", err)
	}
	if len(dev.written) != 1 {
		t.Fatalf("writes = %d, want 1", len(dev.written))
	}
	if !bytes.Equal(dev.written[0], frame[LinkHeaderLen:]) {
		t.Error("WriteIP did not strip the link header before writing to the device")
	}
}

func TestWriteIPRejectsShortFrame(t *testing.T) {
	dev := &fakeDevice{mtu: 1130}
	conn := New(dev, session.NewTable(1), nil)
	if err := conn.WriteIP([]byte{1, 2}); err == nil {
		t.Error("WriteIP accepted a frame shorter than the link header")
	}
}
