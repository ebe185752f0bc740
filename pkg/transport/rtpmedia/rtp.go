// Package rtpmedia implements the RTP/UDP media transport. Each call binds
// one UDP socket; the remote media address is learned from the first packet
// that carries the negotiated payload type. Inbound packets pass through a
// small reorder window before delivery so the engine sees frames in
// timestamp order without ever blocking on a gap.
package rtpmedia

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/transport"
)

// Static RTP payload types for the G.711 profiles.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

const (
	// reorderDepth is how many out-of-order packets are held back waiting
	// for a gap to fill before the gap is declared lost.
	reorderDepth = 8

	// idleTimeout terminates a leg that stops receiving media. Carrier
	// RTP arrives every 20ms, so half a minute of silence means the far
	// end is gone without a hangup.
	idleTimeout = 30 * time.Second

	maxDatagram = 1500
)

// PayloadType maps an audio encoding to its static RTP payload type.
func PayloadType(enc audio.Encoding) (uint8, error) {
	switch enc {
	case audio.EncodingULaw:
		return PayloadTypePCMU, nil
	case audio.EncodingALaw:
		return PayloadTypePCMA, nil
	default:
		return 0, fmt.Errorf("no static RTP payload type for encoding %q", enc)
	}
}

// Session is one call's RTP media leg.
type Session struct {
	callID      string
	profile     audio.Profile
	payloadType uint8
	conn        *net.UDPConn

	recv chan audio.Frame
	done chan struct{}

	// Outbound packet state. Sequence advances by one per frame and the
	// timestamp by the frame's sample count.
	sendMu   sync.Mutex
	sendSeq  uint16
	sendTS   uint32
	ssrc     uint32
	remote   *net.UDPAddr
	remoteMu sync.Mutex

	closed atomic.Bool

	errMu sync.Mutex
	err   error
}

// Bind opens a UDP socket for a call on the given local address. Port zero
// picks an ephemeral port; LocalPort reports the bound one for the SDP
// answer. The session terminates on Close, on idle timeout, or when the
// socket fails.
func Bind(callID string, profile audio.Profile, localAddr string) (*Session, error) {
	pt, err := PayloadType(profile.Encoding)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp addr %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind rtp socket %s: %w", localAddr, err)
	}

	s := &Session{
		callID:      callID,
		profile:     profile,
		payloadType: pt,
		conn:        conn,
		recv:        make(chan audio.Frame, 64),
		done:        make(chan struct{}),
		sendSeq:     uint16(rand.Intn(1 << 16)),
		sendTS:      rand.Uint32(),
		ssrc:        rand.Uint32(),
	}
	go s.readLoop()
	return s, nil
}

// LocalPort returns the bound UDP port for SDP negotiation.
func (s *Session) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote pins the far-end media address from signalling. Without it the
// address is learned from the first valid inbound packet.
func (s *Session) SetRemote(addr *net.UDPAddr) {
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
}

// seqLess reports a < b in RFC 3550 wraparound order.
func seqLess(a, b uint16) bool { return int16(a-b) < 0 }

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.recv)

	buf := make([]byte, maxDatagram)
	pending := make(map[uint16]audio.Frame)
	var expected uint16
	started := false

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.setErr(fmt.Errorf("rtp set deadline: %w", err))
			return
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.closed.Load() {
				s.setErr(fmt.Errorf("rtp read: %w", err))
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// Not RTP; STUN probes and stray datagrams hit media ports
			// all the time.
			continue
		}
		if pkt.PayloadType != s.payloadType {
			continue
		}
		if len(pkt.Payload) != s.profile.BytesPerFrame() {
			s.setErr(&audio.ErrProfileMismatch{
				Want: s.profile,
				Got:  audio.Frame{Data: pkt.Payload, Encoding: s.profile.Encoding, SampleRate: s.profile.SampleRate},
			})
			return
		}

		s.remoteMu.Lock()
		if s.remote == nil {
			s.remote = from
		}
		s.remoteMu.Unlock()

		data := make([]byte, len(pkt.Payload))
		copy(data, pkt.Payload)
		frame := s.profile.NewFrame(data)
		seq := pkt.SequenceNumber

		if !started {
			started = true
			expected = seq
		}

		switch {
		case seq == expected:
			s.deliver(frame)
			expected++
			// Flush any consecutive packets the gap was holding back.
			for {
				next, ok := pending[expected]
				if !ok {
					break
				}
				delete(pending, expected)
				s.deliver(next)
				expected++
			}
		case seqLess(seq, expected):
			// Duplicate or too late; the cadence has moved on.
		default:
			pending[seq] = frame
			if len(pending) > reorderDepth {
				// The missing packet is not coming. Skip to the oldest
				// held packet and resume from there.
				oldest := seq
				for k := range pending {
					if seqLess(k, oldest) {
						oldest = k
					}
				}
				expected = oldest
				for {
					next, ok := pending[expected]
					if !ok {
						break
					}
					delete(pending, expected)
					s.deliver(next)
					expected++
				}
			}
		}
	}
}

func (s *Session) deliver(f audio.Frame) {
	select {
	case s.recv <- f:
	default:
		// Receiver stalled; drop rather than buffer unbounded.
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Kind implements transport.Transport.
func (s *Session) Kind() transport.Kind { return transport.KindRTPMedia }

// CallID implements transport.Transport.
func (s *Session) CallID() string { return s.callID }

// Profile implements transport.Transport.
func (s *Session) Profile() audio.Profile { return s.profile }

// Receive implements transport.Transport.
func (s *Session) Receive(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-s.recv:
		if !ok {
			return audio.Frame{}, transport.ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Send implements transport.Transport. Frames sent before the remote media
// address is known are dropped; the far end has not started streaming yet.
func (s *Session) Send(f audio.Frame) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}
	if err := s.profile.Validate(f); err != nil {
		return err
	}

	s.remoteMu.Lock()
	remote := s.remote
	s.remoteMu.Unlock()
	if remote == nil {
		return nil
	}

	s.sendMu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.sendSeq,
			Timestamp:      s.sendTS,
			SSRC:           s.ssrc,
		},
		Payload: f.Data,
	}
	s.sendSeq++
	s.sendTS += uint32(len(f.Data) / f.Encoding.BytesPerSample())
	s.sendMu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("rtp write: %w", err)
	}
	return nil
}

// Done implements transport.Transport.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements transport.Transport.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements transport.Transport.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
