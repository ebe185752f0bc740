// Package playback paces agent audio out to the transport. Provider audio
// arrives in bursts; the wire wants exactly one frame per frame interval.
// The scheduler buffers between the two, holding cadence through gaps and
// truncating instantly on barge-in.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
)

// Sink receives paced frames. The transport's Send satisfies it.
type Sink func(f audio.Frame) error

// Config tunes one call's scheduler.
type Config struct {
	// Profile is the wire profile; every enqueued frame must match it.
	Profile audio.Profile

	// JitterBufferMs caps buffered audio. Provider bursts beyond the cap
	// block the enqueuing loop, which is the backpressure the provider
	// stream needs.
	JitterBufferMs int

	// MinStartMs is how much audio must be buffered before the first frame
	// of a response plays. Larger values absorb more arrival jitter at the
	// cost of first-word latency.
	MinStartMs int

	// LowWatermarkMs is the buffered duration below which, during active
	// playback, the stream is considered starving.
	LowWatermarkMs int

	Logger *slog.Logger
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		JitterBufferMs: 1000,
		MinStartMs:     100,
		LowWatermarkMs: 40,
	}
}

// Stats is a snapshot of one scheduler's counters.
type Stats struct {
	// Underflows counts starvation episodes, one per episode regardless of
	// how many ticks the episode spans.
	Underflows int
	// Truncations counts barge-in cancellations.
	Truncations int
	// FramesPlayed counts frames handed to the sink.
	FramesPlayed int
}

// Scheduler paces one call's outbound audio. Enqueue and Cancel may be
// called from any goroutine; the pacing loop runs on its own.
type Scheduler struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	frames chan audio.Frame

	mu      sync.Mutex
	playing bool
	// draining marks that the provider finished the response; an empty
	// queue then means completion, not starvation.
	draining     bool
	buffered     time.Duration
	starving     bool
	stats        Stats
	onUnderflow  func()
	onTruncation func()
}

// New creates a scheduler writing to sink. Run must be started for frames
// to flow.
func New(cfg Config, sink Sink) *Scheduler {
	if cfg.Profile.FrameDuration() <= 0 {
		panic("playback: profile has no frame duration")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.JitterBufferMs
	if capacity <= 0 {
		capacity = DefaultConfig().JitterBufferMs
	}
	frameMs := int(cfg.Profile.FrameDuration() / time.Millisecond)
	return &Scheduler{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		frames: make(chan audio.Frame, capacity/frameMs),
	}
}

// OnUnderflow registers a callback fired once per starvation episode.
// Metrics hook; must not block.
func (s *Scheduler) OnUnderflow(fn func()) {
	s.mu.Lock()
	s.onUnderflow = fn
	s.mu.Unlock()
}

// OnTruncation registers a callback fired on each barge-in cancellation.
func (s *Scheduler) OnTruncation(fn func()) {
	s.mu.Lock()
	s.onTruncation = fn
	s.mu.Unlock()
}

// Enqueue adds one frame to the jitter buffer, blocking when the buffer is
// full. Returns the context error if ctx ends first.
func (s *Scheduler) Enqueue(ctx context.Context, f audio.Frame) error {
	if err := s.cfg.Profile.Validate(f); err != nil {
		return err
	}
	select {
	case s.frames <- f:
		s.mu.Lock()
		s.buffered += s.cfg.Profile.FrameDuration()
		s.draining = false
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkEnd tells the scheduler the current response's audio is complete.
// The queue draining to empty afterwards ends playback cleanly instead of
// counting as starvation.
func (s *Scheduler) MarkEnd() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

// Cancel truncates playback for barge-in: the buffered queue is discarded
// and anything still in flight from the provider for this response is
// dropped on arrival. Completes without waiting for the pacing tick.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.playing = false
	s.draining = false
	s.starving = false
	s.stats.Truncations++
	fn := s.onTruncation
	s.mu.Unlock()

	// Drain whatever is already queued.
	for {
		select {
		case <-s.frames:
			s.mu.Lock()
			s.buffered -= s.cfg.Profile.FrameDuration()
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.buffered = 0
			s.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}
	}
}

// Buffered reports the duration of audio currently queued.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run paces frames to the sink until ctx ends. One frame per frame
// interval, never more, never out of order.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Profile.FrameDuration()
	minStart := time.Duration(s.cfg.MinStartMs) * time.Millisecond
	lowWater := time.Duration(s.cfg.LowWatermarkMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.mu.Lock()
		buffered := s.buffered
		if !s.playing {
			// Hold until the jitter buffer has absorbed enough lead.
			if buffered < minStart {
				s.mu.Unlock()
				continue
			}
			s.playing = true
		}
		if buffered == 0 && s.draining {
			// Response played out in full.
			s.playing = false
			s.draining = false
			s.starving = false
			s.mu.Unlock()
			continue
		}
		if buffered <= lowWater && !s.draining {
			// Provider delivery fell behind the wire cadence. One episode,
			// however many ticks it lasts; cadence holds and playback
			// resumes seamlessly when frames return.
			if !s.starving {
				s.starving = true
				s.stats.Underflows++
				fn := s.onUnderflow
				s.mu.Unlock()
				if fn != nil {
					fn()
				}
				s.logger.Debug("playback underflow", "buffered_ms", buffered.Milliseconds())
				s.mu.Lock()
			}
		} else if buffered > lowWater {
			s.starving = false
		}
		s.mu.Unlock()

		select {
		case f := <-s.frames:
			s.mu.Lock()
			s.buffered -= interval
			s.stats.FramesPlayed++
			s.mu.Unlock()
			if err := s.sink(f); err != nil {
				return err
			}
		default:
			// Empty queue this tick; cadence holds.
		}
	}
}
