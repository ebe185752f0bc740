// Package gate decides, frame by frame, whether caller audio reaches the
// provider. While the agent speaks the gate is closed and caller frames are
// classified but withheld; sustained voice energy above the barge-in
// threshold opens the gate, truncates agent playback, and forwards the
// triggering frame. After agent speech ends, a protection window keeps the
// classifier desensitized so the agent's acoustic tail is not mistaken for
// a new caller turn.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
)

// Aggressiveness tunes how much energy counts as voice. Lower levels are
// more sensitive, for pipeline providers with no echo cancellation of their
// own; higher levels suit full-agent providers that debounce echo upstream.
type Aggressiveness int

const (
	AggressivenessLowest  Aggressiveness = 0
	AggressivenessLow     Aggressiveness = 1
	AggressivenessMedium  Aggressiveness = 2
	AggressivenessHighest Aggressiveness = 3
)

// voiceThreshold returns the RMS energy level at which a frame counts as
// voiced for this aggressiveness level.
func (a Aggressiveness) voiceThreshold() float64 {
	switch a {
	case AggressivenessLowest:
		return 0.012
	case AggressivenessLow:
		return 0.02
	case AggressivenessMedium:
		return 0.035
	default:
		return 0.06
	}
}

// Config tunes one call's gate.
type Config struct {
	Aggressiveness Aggressiveness

	// EnergyThreshold overrides the aggressiveness-derived voice threshold
	// when positive.
	EnergyThreshold float64

	// BargeInFrames is how many consecutive voiced frames must arrive while
	// the gate is closed before the caller is treated as interrupting.
	// Guards against a single pop or line click truncating agent speech.
	BargeInFrames int

	// PostTTSEndProtection is the quiet window after agent speech ends
	// during which classification is desensitized.
	PostTTSEndProtection time.Duration

	// ProtectionFactor multiplies the voice threshold inside the protection
	// window.
	ProtectionFactor float64

	// FlutterWindow and FlutterToggles bound the toggle rate considered
	// pathological. Exceeding FlutterToggles toggles within FlutterWindow
	// logs an echo flutter warning.
	FlutterWindow  time.Duration
	FlutterToggles int

	Logger *slog.Logger
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		Aggressiveness:       AggressivenessLow,
		BargeInFrames:        3,
		PostTTSEndProtection: 400 * time.Millisecond,
		ProtectionFactor:     2.5,
		FlutterWindow:        5 * time.Second,
		FlutterToggles:       10,
	}
}

// Decision is the gate's verdict on one caller frame.
type Decision struct {
	// Forward reports that the frame should reach the provider.
	Forward bool
	// Voice reports the frame classified as voiced.
	Voice bool
	// BargeIn reports that this frame opened the gate over agent speech.
	// The session must cancel agent playback before forwarding it.
	BargeIn bool
}

// State is a snapshot of the gate for diagnostics.
type State struct {
	Open        bool
	LastToggle  time.Time
	ToggleCount int
}

// Gate tracks one call's forwarding state. Process is called from the
// transport read loop; AgentSpeaking from the session's provider event loop.
type Gate struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	open           bool
	agentSpeaking  bool
	protectedUntil time.Time
	voicedRun      int
	lastToggle     time.Time
	toggleCount    int
	toggleTimes    []time.Time
	flutterWarned  bool
	onToggle       func(open bool)
	now            func() time.Time
}

// New creates a gate in the open state; no agent speech is in flight when a
// call begins.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.BargeInFrames <= 0 {
		cfg.BargeInFrames = def.BargeInFrames
	}
	if cfg.ProtectionFactor <= 0 {
		cfg.ProtectionFactor = def.ProtectionFactor
	}
	if cfg.FlutterWindow <= 0 {
		cfg.FlutterWindow = def.FlutterWindow
	}
	if cfg.FlutterToggles <= 0 {
		cfg.FlutterToggles = def.FlutterToggles
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:    cfg,
		logger: logger,
		open:   true,
		now:    time.Now,
	}
}

// OnToggle registers a callback invoked on every gate transition. Metrics
// hook; must not block.
func (g *Gate) OnToggle(fn func(open bool)) {
	g.mu.Lock()
	g.onToggle = fn
	g.mu.Unlock()
}

func (g *Gate) threshold() float64 {
	if g.cfg.EnergyThreshold > 0 {
		return g.cfg.EnergyThreshold
	}
	return g.cfg.Aggressiveness.voiceThreshold()
}

// AgentSpeaking tells the gate whether agent audio is currently playing.
// Speech starting closes the gate; speech ending reopens it and arms the
// protection window.
func (g *Gate) AgentSpeaking(speaking bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if speaking == g.agentSpeaking {
		return
	}
	g.agentSpeaking = speaking
	if speaking {
		g.setOpen(false)
		return
	}
	g.protectedUntil = g.now().Add(g.cfg.PostTTSEndProtection)
	g.setOpen(true)
}

// Process classifies one caller frame and decides whether to forward it.
func (g *Gate) Process(f audio.Frame) Decision {
	energy := audio.FrameEnergy(f)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	threshold := g.threshold()
	if now.Before(g.protectedUntil) {
		threshold *= g.cfg.ProtectionFactor
	}
	voiced := energy >= threshold

	if g.open {
		g.voicedRun = 0
		return Decision{Forward: true, Voice: voiced}
	}

	// Closed: agent is speaking. Withhold until a sustained voiced run
	// crosses the barge-in threshold.
	if !voiced {
		g.voicedRun = 0
		return Decision{Voice: false}
	}
	g.voicedRun++
	if g.voicedRun < g.cfg.BargeInFrames {
		return Decision{Voice: true}
	}
	g.voicedRun = 0
	g.setOpen(true)
	return Decision{Forward: true, Voice: true, BargeIn: true}
}

// State returns a diagnostic snapshot.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{Open: g.open, LastToggle: g.lastToggle, ToggleCount: g.toggleCount}
}

// setOpen flips the gate and tracks the toggle rate. Caller holds g.mu.
func (g *Gate) setOpen(open bool) {
	if g.open == open {
		return
	}
	g.open = open
	now := g.now()
	g.lastToggle = now
	g.toggleCount++
	if fn := g.onToggle; fn != nil {
		fn(open)
	}

	// Flutter detection: prune toggles outside the window, then compare.
	cutoff := now.Add(-g.cfg.FlutterWindow)
	kept := g.toggleTimes[:0]
	for _, t := range g.toggleTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.toggleTimes = append(kept, now)
	if len(g.toggleTimes) > g.cfg.FlutterToggles {
		if !g.flutterWarned {
			g.flutterWarned = true
			g.logger.Warn("gate flutter detected, likely echo",
				"toggles", len(g.toggleTimes),
				"window", g.cfg.FlutterWindow)
		}
	} else {
		g.flutterWarned = false
	}
}
