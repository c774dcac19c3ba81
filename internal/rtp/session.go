package rtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/voicebridge/voicebridge/internal/media"
)

const outboundDepth = 16
const inboundDepth = 16

// Session is one bidirectional RTP stream bound to a local UDP socket.
// The transmit loop runs at the codec's 20 ms cadence and substitutes
// silence when the outbound queue is starved, so sequence numbers and
// timestamps advance at a constant rate regardless of upstream supply.
type Session struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	codec  media.Codec

	ssrc      uint32
	seq       uint16
	timestamp uint32

	outbound chan []byte // μ-law payloads awaiting transmission
	inbound  chan []byte // μ-law payloads received from the peer
}

// NewSession creates a session over an already-bound UDP socket.
func NewSession(conn *net.UDPConn, remote *net.UDPAddr, codec media.Codec) *Session {
	return &Session{
		conn:      conn,
		remote:    remote,
		codec:     codec,
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		outbound:  make(chan []byte, outboundDepth),
		inbound:   make(chan []byte, inboundDepth),
	}
}

// QueueOutbound enqueues one μ-law payload for the next transmit tick.
// On a full queue the oldest payload is dropped.
func (s *Session) QueueOutbound(payload []byte) {
	for {
		select {
		case s.outbound <- payload:
			return
		default:
			select {
			case <-s.outbound:
			default:
			}
		}
	}
}

// Inbound exposes received μ-law payloads in network order.
func (s *Session) Inbound() <-chan []byte {
	return s.inbound
}

// Run starts the transmit and receive loops and blocks until the
// context is cancelled or the socket fails.
func (s *Session) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- s.sendLoop(ctx) }()
	go func() { errCh <- s.recvLoop(ctx) }()

	select {
	case <-ctx.Done():
		s.conn.Close()
		return ctx.Err()
	case err := <-errCh:
		s.conn.Close()
		return err
	}
}

// sendLoop transmits one packet per 20 ms tick. The ticker keeps the
// cadence relative to its own clock, so a slow iteration does not
// accumulate drift.
func (s *Session) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.codec.SampleDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var payload []byte
		select {
		case payload = <-s.outbound:
		default:
			payload = media.SilenceUlaw()
		}

		data, err := s.buildPacket(payload).Marshal()
		if err != nil {
			slog.Error("[RTP] Failed to marshal packet", "error", err)
			continue
		}
		if _, err := s.conn.WriteToUDP(data, s.remote); err != nil {
			return err
		}
		s.advance()
	}
}

// buildPacket assembles the next outgoing packet without advancing the
// header state.
func (s *Session) buildPacket(payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
}

// advance moves sequence and timestamp to the next frame. The
// timestamp always advances by 160: G.711 is defined at 8 kHz no
// matter what rate the peer's SDP claimed.
func (s *Session) advance() {
	s.seq++
	s.timestamp += media.TelephoneSamplesPerFrame
}

func (s *Session) recvLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Short or malformed datagram, drop it.
			continue
		}
		if pkt.Version != 2 {
			continue
		}

		// Unexpected payload types are forwarded without complaint.
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		select {
		case s.inbound <- payload:
		default:
			select {
			case <-s.inbound:
			default:
			}
			select {
			case s.inbound <- payload:
			default:
			}
		}
	}
}
