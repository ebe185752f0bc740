// Package config loads the engine's process configuration from the
// environment and the per-deployment call configuration (contexts,
// providers, tools) from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/tools"
)

// Config is the process-level configuration.
type Config struct {
	// HTTPAddr serves /metrics, /healthz, and /readyz.
	HTTPAddr string
	// RelayAddr is the framed TCP audio relay listener.
	RelayAddr string
	// RTPHost is the address RTP legs bind and advertise in SDP answers.
	RTPHost string
	// RTPPortMin and RTPPortMax bound the RTP port range.
	RTPPortMin int
	RTPPortMax int

	// Wire is the default transport audio profile.
	Wire audio.Profile

	// MaxCalls caps concurrent sessions; zero means unlimited.
	MaxCalls int

	// DefaultContext names the context used when a call carries none.
	DefaultContext string

	// ConfigFile is the YAML call configuration path.
	ConfigFile string

	// HangupGrace bounds the farewell after a hangup tool.
	HangupGrace time.Duration
	// PostCallBudget bounds the post-call webhook phase.
	PostCallBudget time.Duration
	// ShutdownGracePeriod bounds draining on SIGTERM.
	ShutdownGracePeriod time.Duration
	ReadHeaderTimeout   time.Duration

	// Playback defaults, overridable per context.
	JitterBufferMs int
	MinStartMs     int
	LowWatermarkMs int

	// Provider credentials.
	OpenAIAPIKey     string
	GeminiAPIKey     string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string

	// Call-control API for transfer and hangup operations. Empty disables
	// the telephony built-ins beyond plain hangup.
	CallControlURL   string
	CallControlToken string
	// ApologyMediaID names the PBX media asset played when a provider dies
	// mid-call and reconnection failed. Empty skips the playback.
	ApologyMediaID string

	App App
}

// App is the YAML-side call configuration.
type App struct {
	Contexts  map[string]Context  `yaml:"contexts"`
	Providers map[string]Provider `yaml:"providers"`
	Tools     []*tools.Definition `yaml:"tools"`
}

// Context configures one call context: the prompt surface, the provider
// binding, gating, and tool policy.
type Context struct {
	Provider     string              `yaml:"provider"`
	Instructions string              `yaml:"instructions"`
	Greeting     string              `yaml:"greeting"`
	Voice        string              `yaml:"voice"`
	Temperature  float64             `yaml:"temperature"`
	Tools        tools.ContextPolicy `yaml:"tools"`

	VADAggressiveness   int `yaml:"vad_aggressiveness"`
	PostTTSProtectionMs int `yaml:"post_tts_end_protection_ms"`

	// Summarize enables the post-call AI summary with SummaryModel.
	Summarize    bool   `yaml:"summarize"`
	SummaryModel string `yaml:"summary_model"`
}

// Provider binds a named backend configuration.
type Provider struct {
	// Type is openai_realtime, gemini_live, or pipeline.
	Type  string `yaml:"type"`
	Model string `yaml:"model"`

	// Pipeline sub-adapters; ignored for full-agent types.
	STT PipelinePart `yaml:"stt"`
	TTS PipelinePart `yaml:"tts"`
	LLM PipelinePart `yaml:"llm"`

	// Language is passed to the STT backend.
	Language string `yaml:"language"`
}

// PipelinePart selects one pipeline stage's vendor and model.
type PipelinePart struct {
	Vendor string `yaml:"vendor"`
	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
}

const (
	ProviderOpenAIRealtime = "openai_realtime"
	ProviderGeminiLive     = "gemini_live"
	ProviderPipeline       = "pipeline"
)

// LoadFromEnv reads the process configuration, then the YAML file it names.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:            envOr("VOXGATE_HTTP_ADDR", ":9090"),
		RelayAddr:           envOr("VOXGATE_RELAY_ADDR", ":7070"),
		RTPHost:             envOr("VOXGATE_RTP_HOST", "0.0.0.0"),
		RTPPortMin:          envIntOr("VOXGATE_RTP_PORT_MIN", 10000),
		RTPPortMax:          envIntOr("VOXGATE_RTP_PORT_MAX", 20000),
		MaxCalls:            envIntOr("VOXGATE_MAX_CALLS", 0),
		DefaultContext:      envOr("VOXGATE_DEFAULT_CONTEXT", "default"),
		ConfigFile:          envOr("VOXGATE_CONFIG_FILE", ""),
		HangupGrace:         envDurationOr("VOXGATE_HANGUP_GRACE", 6*time.Second),
		PostCallBudget:      envDurationOr("VOXGATE_POST_CALL_BUDGET", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		ReadHeaderTimeout:   envDurationOr("VOXGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		JitterBufferMs:      envIntOr("VOXGATE_JITTER_BUFFER_MS", 1000),
		MinStartMs:          envIntOr("VOXGATE_MIN_START_MS", 100),
		LowWatermarkMs:      envIntOr("VOXGATE_LOW_WATERMARK_MS", 40),
		OpenAIAPIKey:        os.Getenv("VOXGATE_OPENAI_API_KEY"),
		GeminiAPIKey:        os.Getenv("VOXGATE_GEMINI_API_KEY"),
		DeepgramAPIKey:      os.Getenv("VOXGATE_DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey:    os.Getenv("VOXGATE_ELEVENLABS_API_KEY"),
		CallControlURL:      os.Getenv("VOXGATE_CALLCONTROL_URL"),
		CallControlToken:    os.Getenv("VOXGATE_CALLCONTROL_TOKEN"),
		ApologyMediaID:      os.Getenv("VOXGATE_APOLOGY_MEDIA_ID"),
	}

	enc := audio.Encoding(envOr("VOXGATE_WIRE_ENCODING", string(audio.EncodingULaw)))
	if !enc.Valid() {
		return Config{}, fmt.Errorf("VOXGATE_WIRE_ENCODING must be one of slin16|ulaw|alaw")
	}
	cfg.Wire = audio.Profile{
		Encoding:   enc,
		SampleRate: envIntOr("VOXGATE_WIRE_SAMPLE_RATE", 8000),
	}
	if cfg.Wire.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_WIRE_SAMPLE_RATE must be > 0")
	}

	if cfg.RTPPortMin <= 0 || cfg.RTPPortMax < cfg.RTPPortMin {
		return Config{}, fmt.Errorf("VOXGATE_RTP_PORT_MIN/MAX must form a valid range")
	}
	if cfg.MaxCalls < 0 {
		return Config{}, fmt.Errorf("VOXGATE_MAX_CALLS must be >= 0")
	}
	if cfg.HangupGrace <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_HANGUP_GRACE must be > 0")
	}
	if cfg.PostCallBudget <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_POST_CALL_BUDGET must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.JitterBufferMs <= 0 || cfg.MinStartMs < 0 || cfg.LowWatermarkMs < 0 {
		return Config{}, fmt.Errorf("playback buffer settings must be positive")
	}

	if cfg.ConfigFile != "" {
		app, err := LoadApp(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg.App = app
	}
	return cfg, nil
}

// LoadApp reads and validates the YAML call configuration.
func LoadApp(path string) (App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("read config file: %w", err)
	}
	var app App
	if err := yaml.Unmarshal(raw, &app); err != nil {
		return App{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := app.Validate(); err != nil {
		return App{}, fmt.Errorf("%s: %w", path, err)
	}
	for _, d := range app.Tools {
		d.ResolveEnvRefs()
	}
	return app, nil
}

// Validate checks cross-references and tool definitions.
func (a *App) Validate() error {
	for name, c := range a.Contexts {
		if c.Provider == "" {
			return fmt.Errorf("context %q: provider is required", name)
		}
		if _, ok := a.Providers[c.Provider]; !ok {
			return fmt.Errorf("context %q: unknown provider %q", name, c.Provider)
		}
		if c.VADAggressiveness < 0 || c.VADAggressiveness > 3 {
			return fmt.Errorf("context %q: vad_aggressiveness must be 0..3", name)
		}
	}
	for name, p := range a.Providers {
		switch p.Type {
		case ProviderOpenAIRealtime, ProviderGeminiLive:
			if p.Model == "" {
				return fmt.Errorf("provider %q: model is required", name)
			}
		case ProviderPipeline:
			if p.STT.Vendor == "" || p.TTS.Vendor == "" || p.LLM.Vendor == "" {
				return fmt.Errorf("provider %q: pipeline needs stt, tts, and llm vendors", name)
			}
		default:
			return fmt.Errorf("provider %q: type must be one of %s|%s|%s",
				name, ProviderOpenAIRealtime, ProviderGeminiLive, ProviderPipeline)
		}
	}
	seen := map[string]bool{}
	for _, d := range a.Tools {
		if d.Name == "" {
			return fmt.Errorf("tool with empty name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate tool %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Phase {
		case tools.PhasePreCall, tools.PhaseInCall, tools.PhasePostCall:
		default:
			return fmt.Errorf("tool %q: phase must be one of pre_call|in_call|post_call", d.Name)
		}
		if d.Kind == "" || d.Kind == tools.KindHTTP {
			if d.URL == "" {
				return fmt.Errorf("tool %q: url is required", d.Name)
			}
		}
	}
	return nil
}

// Context resolves a context name, falling back to the default.
func (c *Config) Context(name string) (Context, bool) {
	if name == "" {
		name = c.DefaultContext
	}
	ctx, ok := c.App.Contexts[name]
	return ctx, ok
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
