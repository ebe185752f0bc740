// Package audio defines the canonical audio frame model shared by the
// transports, the gate, the playback scheduler, and the provider adapters.
// A frame is a fixed-duration chunk of telephony audio tagged with its
// encoding and sample rate; every leg of a call negotiates one Profile and
// all frames on that leg must match it.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies the byte layout of frame data.
type Encoding string

const (
	// EncodingSLIN16 is 16-bit signed little-endian linear PCM.
	EncodingSLIN16 Encoding = "slin16"
	// EncodingULaw is G.711 µ-law companded audio (1 byte per sample).
	EncodingULaw Encoding = "ulaw"
	// EncodingALaw is G.711 A-law companded audio (1 byte per sample).
	EncodingALaw Encoding = "alaw"
)

// Valid reports whether the encoding is one the engine understands.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingSLIN16, EncodingULaw, EncodingALaw:
		return true
	}
	return false
}

// BytesPerSample returns the storage size of one sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingSLIN16 {
		return 2
	}
	return 1
}

// DefaultFrameDuration is the canonical telephony frame interval.
const DefaultFrameDuration = 20 * time.Millisecond

// Frame is a fixed-duration chunk of audio on one call leg.
type Frame struct {
	Data       []byte
	Encoding   Encoding
	SampleRate int
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / f.Encoding.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Profile is the negotiated encoding and sample rate of one transport leg.
// The frame duration is fixed per leg; all frames must carry exactly
// BytesPerFrame bytes in the profile's encoding.
type Profile struct {
	Encoding   Encoding
	SampleRate int
	FrameDur   time.Duration
}

// ErrProfileMismatch is the class of error returned when a frame does not
// match its leg's negotiated profile. It is a configuration error: the call
// must fail before the frame is forwarded, never silently converted.
type ErrProfileMismatch struct {
	Want Profile
	Got  Frame
}

func (e *ErrProfileMismatch) Error() string {
	return fmt.Sprintf("audio profile mismatch: want %s@%dHz, got %s@%dHz (%d bytes)",
		e.Want.Encoding, e.Want.SampleRate, e.Got.Encoding, e.Got.SampleRate, len(e.Got.Data))
}

// FrameDuration returns the leg's frame interval, defaulting to 20ms.
func (p Profile) FrameDuration() time.Duration {
	if p.FrameDur > 0 {
		return p.FrameDur
	}
	return DefaultFrameDuration
}

// BytesPerFrame returns the exact payload size of one frame on this leg.
func (p Profile) BytesPerFrame() int {
	samples := int(p.FrameDuration() * time.Duration(p.SampleRate) / time.Second)
	return samples * p.Encoding.BytesPerSample()
}

// Validate checks a frame against the profile. A nil return means the frame
// may be forwarded; any error is an *ErrProfileMismatch.
func (p Profile) Validate(f Frame) error {
	if f.Encoding != p.Encoding || f.SampleRate != p.SampleRate {
		return &ErrProfileMismatch{Want: p, Got: f}
	}
	return nil
}

// NewFrame builds a frame carrying the profile's encoding and rate.
func (p Profile) NewFrame(data []byte) Frame {
	return Frame{Data: data, Encoding: p.Encoding, SampleRate: p.SampleRate}
}

// SilenceFrame returns one frame of digital silence in the profile's format.
func (p Profile) SilenceFrame() Frame {
	data := make([]byte, p.BytesPerFrame())
	if p.Encoding == EncodingULaw {
		for i := range data {
			data[i] = 0xff // µ-law zero level
		}
	} else if p.Encoding == EncodingALaw {
		for i := range data {
			data[i] = 0xd5 // A-law zero level
		}
	}
	return p.NewFrame(data)
}
