// Package stt defines streaming speech-to-text providers for the pipeline
// adapter variant.
package stt

import "context"

// Result is one transcription update from a live stream.
type Result struct {
	Text string
	// Final marks the text as stable; interim results for the same speech
	// may be superseded.
	Final bool
	// EndOfSpeech marks the end of a caller utterance. The pipeline commits
	// the accumulated final text as the user turn.
	EndOfSpeech bool
}

// StreamConfig configures one live transcription stream. Audio is PCM16LE
// mono at SampleRate.
type StreamConfig struct {
	SampleRate int
	Language   string
	Model      string
}

// Stream is one live transcription session.
type Stream interface {
	// SendAudio pushes PCM16LE samples. Safe from one goroutine.
	SendAudio(pcm []byte) error

	// Results delivers updates in order. The channel closes when the stream
	// ends; a transport failure surfaces through Err.
	Results() <-chan Result

	Err() error
	Close() error
}

// Provider opens live transcription streams.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
