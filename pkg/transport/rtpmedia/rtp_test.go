package rtpmedia

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/transport"
)

var testProfile = audio.Profile{Encoding: audio.EncodingULaw, SampleRate: 8000}

type rtpPeer struct {
	conn *net.UDPConn
	to   *net.UDPAddr
	seq  uint16
	ts   uint32
}

func newRTPPeer(t *testing.T, s *Session) *rtpPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rtpPeer{
		conn: conn,
		to:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()},
		seq:  100,
		ts:   8000,
	}
}

func (p *rtpPeer) sendSeq(t *testing.T, seq uint16, marker byte) {
	t.Helper()
	payload := make([]byte, 160)
	payload[0] = marker
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: seq,
			Timestamp:      p.ts + uint32(seq-p.seq)*160,
			SSRC:           0xdeadbeef,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := p.conn.WriteToUDP(raw, p.to); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func bindSession(t *testing.T) *Session {
	t.Helper()
	s, err := Bind("call-1", testProfile, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func recvMarker(t *testing.T, s *Session) byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return f.Data[0]
}

func TestInOrderDelivery(t *testing.T) {
	s := bindSession(t)
	peer := newRTPPeer(t, s)

	for i := 0; i < 3; i++ {
		peer.sendSeq(t, peer.seq+uint16(i), byte(i+1))
	}
	for i := 0; i < 3; i++ {
		if got := recvMarker(t, s); got != byte(i+1) {
			t.Errorf("frame #%d marker = %d, want %d", i, got, i+1)
		}
	}
}

func TestReorderWindowRestoresSequence(t *testing.T) {
	s := bindSession(t)
	peer := newRTPPeer(t, s)

	// 100 arrives, then 102 before 101.
	peer.sendSeq(t, 100, 1)
	if got := recvMarker(t, s); got != 1 {
		t.Fatalf("first marker = %d, want 1", got)
	}
	peer.sendSeq(t, 102, 3)
	time.Sleep(20 * time.Millisecond)
	peer.sendSeq(t, 101, 2)

	if got := recvMarker(t, s); got != 2 {
		t.Errorf("second marker = %d, want 2", got)
	}
	if got := recvMarker(t, s); got != 3 {
		t.Errorf("third marker = %d, want 3", got)
	}
}

func TestDuplicateAndLatePacketsDropped(t *testing.T) {
	s := bindSession(t)
	peer := newRTPPeer(t, s)

	peer.sendSeq(t, 100, 1)
	peer.sendSeq(t, 101, 2)
	if got := recvMarker(t, s); got != 1 {
		t.Fatalf("marker = %d, want 1", got)
	}
	if got := recvMarker(t, s); got != 2 {
		t.Fatalf("marker = %d, want 2", got)
	}

	// Replay of 100 must not surface again.
	peer.sendSeq(t, 100, 9)
	peer.sendSeq(t, 102, 3)
	if got := recvMarker(t, s); got != 3 {
		t.Errorf("marker after replay = %d, want 3", got)
	}
}

func TestForeignPayloadTypeIgnored(t *testing.T) {
	s := bindSession(t)
	peer := newRTPPeer(t, s)

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 7,
			SSRC:           1,
		},
		Payload: make([]byte, 160),
	}
	raw, _ := pkt.Marshal()
	peer.conn.WriteToUDP(raw, peer.to)

	peer.sendSeq(t, 100, 5)
	if got := recvMarker(t, s); got != 5 {
		t.Errorf("marker = %d, want 5 (dynamic payload type must be ignored)", got)
	}
}

func TestSendLearnsRemoteFromInbound(t *testing.T) {
	s := bindSession(t)
	peer := newRTPPeer(t, s)

	// No remote yet: frames are discarded, not errors.
	if err := s.Send(testProfile.SilenceFrame()); err != nil {
		t.Fatalf("Send before remote known: %v", err)
	}

	peer.sendSeq(t, 100, 1)
	recvMarker(t, s)

	if err := s.Send(testProfile.SilenceFrame()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(testProfile.SilenceFrame()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	peer.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagram)
	var first, second rtp.Packet
	n, _, err := peer.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if err := first.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	n, _, err = peer.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if err := second.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if first.PayloadType != PayloadTypePCMU {
		t.Errorf("payload type = %d, want PCMU", first.PayloadType)
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence %d -> %d, want +1", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+160 {
		t.Errorf("timestamp %d -> %d, want +160", first.Timestamp, second.Timestamp)
	}
	if first.SSRC != second.SSRC {
		t.Errorf("SSRC changed between packets: %d vs %d", first.SSRC, second.SSRC)
	}
}

func TestCloseTerminatesLeg(t *testing.T) {
	s := bindSession(t)
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Receive after Close = %v, want ErrClosed", err)
	}
}

func TestPayloadTypeMapping(t *testing.T) {
	if pt, err := PayloadType(audio.EncodingULaw); err != nil || pt != 0 {
		t.Errorf("PayloadType(ulaw) = %d, %v", pt, err)
	}
	if pt, err := PayloadType(audio.EncodingALaw); err != nil || pt != 8 {
		t.Errorf("PayloadType(alaw) = %d, %v", pt, err)
	}
	if _, err := PayloadType(audio.EncodingSLIN16); err == nil {
		t.Error("PayloadType(slin16) should fail")
	}
}
