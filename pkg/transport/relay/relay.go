// Package relay implements the framed TCP audio-relay transport. The PBX
// dials one connection per call and both directions carry type-tagged,
// length-prefixed frames:
//
//	[kind:1][length:2 big-endian][payload]
//
// The first frame must be KindCallID carrying the call's UUID; audio frames
// follow at the leg's fixed cadence until either side sends KindHangup or
// drops the connection.
package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/transport"
)

// Wire frame kinds.
const (
	KindHangup byte = 0x00
	KindCallID byte = 0x01
	KindAudio  byte = 0x10
	KindError  byte = 0xff
)

const (
	maxPayload       = 0xffff
	handshakeTimeout = 5 * time.Second
)

// Conn is one call's relay leg.
type Conn struct {
	callID  string
	profile audio.Profile
	conn    net.Conn
	reader  *bufio.Reader

	recv chan audio.Frame
	done chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

// Handshake wraps an accepted connection, reads the call-id frame, and
// starts the read loop. The profile comes from configuration; every audio
// frame on the wire is validated against it.
func Handshake(conn net.Conn, profile audio.Profile) (*Conn, error) {
	reader := bufio.NewReaderSize(conn, 4096)

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	kind, payload, err := readFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("read call-id frame: %w", err)
	}
	if kind != KindCallID {
		return nil, fmt.Errorf("first frame kind %#x, want call-id", kind)
	}
	callID, err := parseCallID(payload)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	c := &Conn{
		callID:  callID,
		profile: profile,
		conn:    conn,
		reader:  reader,
		recv:    make(chan audio.Frame, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// parseCallID accepts either a 16-byte raw UUID or its textual form.
func parseCallID(payload []byte) (string, error) {
	if len(payload) == 16 {
		id, err := uuid.FromBytes(payload)
		if err != nil {
			return "", fmt.Errorf("parse call id: %w", err)
		}
		return id.String(), nil
	}
	id, err := uuid.ParseBytes(payload)
	if err != nil {
		return "", fmt.Errorf("parse call id: %w", err)
	}
	return id.String(), nil
}

func readFrame(r *bufio.Reader) (byte, []byte, error) {
	var header [3]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[1:3])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.recv)

	want := c.profile.BytesPerFrame()
	for {
		kind, payload, err := readFrame(c.reader)
		if err != nil {
			if !c.closed.Load() {
				c.setErr(fmt.Errorf("relay read: %w", err))
			}
			return
		}

		switch kind {
		case KindHangup:
			return
		case KindError:
			c.setErr(fmt.Errorf("relay peer error: %s", payload))
			return
		case KindAudio:
			if len(payload) != want {
				// Wrong payload size means the PBX leg is configured for a
				// different profile. Configuration error: fail the call.
				c.setErr(&audio.ErrProfileMismatch{
					Want: c.profile,
					Got:  audio.Frame{Data: payload, Encoding: c.profile.Encoding, SampleRate: c.profile.SampleRate},
				})
				return
			}
			select {
			case c.recv <- c.profile.NewFrame(payload):
			default:
				// Receiver stalled beyond the channel depth; dropping keeps
				// wire cadence instead of backing up the PBX.
			}
		default:
			// Unknown frame kinds are skipped for forward compatibility.
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Kind implements transport.Transport.
func (c *Conn) Kind() transport.Kind { return transport.KindRelaySocket }

// CallID implements transport.Transport.
func (c *Conn) CallID() string { return c.callID }

// Profile implements transport.Transport.
func (c *Conn) Profile() audio.Profile { return c.profile }

// Receive implements transport.Transport.
func (c *Conn) Receive(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-c.recv:
		if !ok {
			return audio.Frame{}, transport.ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Send implements transport.Transport.
func (c *Conn) Send(f audio.Frame) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if err := c.profile.Validate(f); err != nil {
		return err
	}
	return c.writeFrame(KindAudio, f.Data)
}

// SendHangup tells the PBX side to release the media leg.
func (c *Conn) SendHangup() error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	return c.writeFrame(KindHangup, nil)
}

func (c *Conn) writeFrame(kind byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("relay payload %d bytes exceeds frame limit", len(payload))
	}
	header := [3]byte{kind}
	binary.BigEndian.PutUint16(header[1:3], uint16(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("relay write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("relay write payload: %w", err)
		}
	}
	return nil
}

// Done implements transport.Transport.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements transport.Transport.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close implements transport.Transport.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// Server accepts relay connections and hands each call leg to a handler.
type Server struct {
	profile audio.Profile
	handler func(*Conn)
	logger  *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a relay server. The handler runs on its own goroutine
// per call and owns the Conn's lifetime.
func NewServer(profile audio.Profile, handler func(*Conn), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{profile: profile, handler: handler, logger: logger}
}

// Serve listens on addr until the context is cancelled or the listener
// fails. Handshake failures are logged and the connection dropped; they
// never affect other calls.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		go func() {
			leg, err := Handshake(conn, s.profile)
			if err != nil {
				s.logger.Warn("relay handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				return
			}
			s.logger.Info("relay leg attached", "call_id", leg.CallID(), "remote", conn.RemoteAddr().String())
			s.handler(leg)
		}()
	}
}

// Addr returns the bound listener address, or empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
