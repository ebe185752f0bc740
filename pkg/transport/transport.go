// Package transport defines the audio transport contract between the PBX
// media path and the per-call engine. Two implementations exist: a framed
// TCP relay (subpackage relay) and an RTP/UDP media stream (subpackage
// rtpmedia). Both normalize wire audio into audio.Frame values matching the
// call's negotiated profile; neither ever resamples.
package transport

import (
	"context"
	"errors"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
)

// Kind identifies the wire transport carrying a call's media.
type Kind string

const (
	// KindRelaySocket is the framed TCP audio relay (type+length headers).
	KindRelaySocket Kind = "relay-socket"
	// KindRTPMedia is fixed-cadence RTP over UDP.
	KindRTPMedia Kind = "rtp-media"
)

// ErrClosed is the terminal condition of a transport leg. Receive returns it
// exactly once after the peer disconnects or Close is called; it is an
// expected lifecycle event, not a frame-level error.
var ErrClosed = errors.New("transport closed")

// Transport is one call's media leg. Implementations are safe for one
// concurrent reader and one concurrent writer.
type Transport interface {
	// Kind reports the wire transport variant.
	Kind() Kind

	// CallID returns the call this leg is bound to.
	CallID() string

	// Profile returns the negotiated encoding and sample rate of the leg.
	Profile() audio.Profile

	// Receive blocks until a caller audio frame is available, the context is
	// cancelled, or the leg terminates (ErrClosed). Frames are delivered in
	// arrival order and always match Profile.
	Receive(ctx context.Context) (audio.Frame, error)

	// Send writes one agent audio frame to the caller. The frame must match
	// Profile; a mismatch is a configuration error that fails the call.
	Send(f audio.Frame) error

	// Done is closed when the leg terminates for any reason.
	Done() <-chan struct{}

	// Err reports the abnormal termination cause, or nil for a clean close.
	Err() error

	// Close tears the leg down. Safe to call more than once.
	Close() error
}
