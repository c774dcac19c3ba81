package rtp

import (
	"net"
	"testing"

	"github.com/voicebridge/voicebridge/internal/media"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	return NewSession(conn, remote, media.CodecPCMU)
}

func TestPacketSequenceAndTimestampAdvance(t *testing.T) {
	s := newTestSession(t)

	payload := media.SilenceUlaw()
	prev := s.buildPacket(payload)
	s.advance()

	for i := 0; i < 100; i++ {
		cur := s.buildPacket(payload)
		s.advance()

		if got := cur.SequenceNumber - prev.SequenceNumber; got != 1 {
			t.Fatalf("packet %d: seq delta = %d, want 1", i, got)
		}
		if got := cur.Timestamp - prev.Timestamp; got != 160 {
			t.Fatalf("packet %d: timestamp delta = %d, want 160", i, got)
		}
		prev = cur
	}
}

func TestSequenceWrapsModulo16Bits(t *testing.T) {
	s := newTestSession(t)
	s.seq = 0xFFFF

	before := s.buildPacket(nil).SequenceNumber
	s.advance()
	after := s.buildPacket(nil).SequenceNumber

	if before != 0xFFFF || after != 0 {
		t.Errorf("seq wrap = %d -> %d, want 65535 -> 0", before, after)
	}
	// Unsigned subtraction still yields a delta of exactly 1.
	if delta := after - before; delta != 1 {
		t.Errorf("seq delta across wrap = %d, want 1", delta)
	}
}

func TestPacketHeaderShape(t *testing.T) {
	s := newTestSession(t)

	pkt := s.buildPacket(media.SilenceUlaw())
	if pkt.Version != 2 {
		t.Errorf("version = %d, want 2", pkt.Version)
	}
	if pkt.PayloadType != 0 {
		t.Errorf("payload type = %d, want 0", pkt.PayloadType)
	}
	if pkt.SSRC != s.ssrc {
		t.Errorf("ssrc = %d, want %d", pkt.SSRC, s.ssrc)
	}

	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := 12 + media.UlawFrameBytes; len(data) != want {
		t.Errorf("wire length = %d, want %d", len(data), want)
	}
}

func TestPortAllocatorBindsInRange(t *testing.T) {
	p := NewPortAllocator(10000, 20000)

	conn, port, err := p.Allocate(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer conn.Close()

	if port < 10000 || port > 20000 {
		t.Errorf("port = %d, want in [10000, 20000]", port)
	}
	if port%2 != 0 {
		t.Errorf("port = %d, want even", port)
	}
	if got := conn.LocalAddr().(*net.UDPAddr).Port; got != port {
		t.Errorf("bound port = %d, reported %d", got, port)
	}
	if p.Allocated() != 1 {
		t.Errorf("Allocated() = %d, want 1", p.Allocated())
	}

	p.Release(port)
	if p.Allocated() != 0 {
		t.Errorf("Allocated() after release = %d, want 0", p.Allocated())
	}
}

func TestPortAllocatorSkipsBusyPort(t *testing.T) {
	p := NewPortAllocator(10000, 20000)

	conn1, port1, err := p.Allocate(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	defer conn1.Close()

	conn2, port2, err := p.Allocate(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	defer conn2.Close()

	if port1 == port2 {
		t.Errorf("both allocations returned port %d", port1)
	}
}
