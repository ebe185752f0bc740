// Package tts defines streaming text-to-speech providers for the pipeline
// adapter variant.
package tts

import "context"

// StreamConfig configures one synthesis stream. Audio out is PCM16LE mono
// at SampleRate.
type StreamConfig struct {
	Voice      string
	Model      string
	SampleRate int
}

// Stream is one incremental synthesis session. Text goes in as it arrives
// from the language model; audio comes out as it is synthesized.
type Stream interface {
	// SendText appends text to the synthesis input. Flush marks the end of
	// the segment's input: everything buffered is synthesized and Audio
	// closes once the tail has been delivered.
	SendText(text string, flush bool) error

	// Audio delivers PCM chunks in synthesis order. The channel closes when
	// the segment is fully drained or the stream is closed.
	Audio() <-chan []byte

	Err() error

	// Close tears the stream down. A segment that was not flushed is
	// abandoned; its remaining audio never arrives.
	Close() error
}

// Provider opens synthesis streams.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
