// Package server runs the engine's listeners: the framed TCP audio relay,
// the RTP offer endpoint, and the operational HTTP surface. Each accepted
// call becomes one session goroutine group registered with the call
// tracker for draining.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/voxgate-io/voxgate/pkg/bridge/callcontrol"
	"github.com/voxgate-io/voxgate/pkg/bridge/calltrack"
	"github.com/voxgate-io/voxgate/pkg/bridge/config"
	"github.com/voxgate-io/voxgate/pkg/bridge/metrics"
	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/gate"
	"github.com/voxgate-io/voxgate/pkg/core/playback"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
	"github.com/voxgate-io/voxgate/pkg/core/provider/geminilive"
	"github.com/voxgate-io/voxgate/pkg/core/provider/openairt"
	"github.com/voxgate-io/voxgate/pkg/core/provider/pipeline"
	"github.com/voxgate-io/voxgate/pkg/core/session"
	"github.com/voxgate-io/voxgate/pkg/core/tools"
	"github.com/voxgate-io/voxgate/pkg/core/voice/llm"
	"github.com/voxgate-io/voxgate/pkg/core/voice/stt"
	"github.com/voxgate-io/voxgate/pkg/core/voice/tts"
	"github.com/voxgate-io/voxgate/pkg/transport"
	"github.com/voxgate-io/voxgate/pkg/transport/relay"
	"github.com/voxgate-io/voxgate/pkg/transport/rtpmedia"
)

// Server owns the engine's listeners and per-call wiring.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracker *calltrack.Tracker
	orch    *tools.Orchestrator
	relay   *relay.Server

	baseCtx  context.Context
	stop     context.CancelFunc
	draining atomic.Bool
}

// New wires the server from its configuration.
func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.New("voxgate")
	orch := tools.New(cfg.App.Tools, nil, logger)
	orch.OnInvocation(func(phase tools.Phase, tool string, isError bool, _ time.Duration) {
		m.RecordTool(string(phase), tool, isError)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracker: calltrack.NewTracker(),
		orch:    orch,
		baseCtx: ctx,
		stop:    cancel,
	}
	s.relay = relay.NewServer(cfg.Wire, s.handleRelayConn, logger)
	return s
}

// ServeRelay runs the framed TCP relay listener until ctx ends.
func (s *Server) ServeRelay(ctx context.Context) error {
	return s.relay.Serve(ctx, s.cfg.RelayAddr)
}

// Handler returns the operational HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ready\n")
	})
	mux.HandleFunc("/v1/calls", s.handleRTPOffer)
	return mux
}

// handleRelayConn owns one accepted relay leg. The relay handshake carries
// only the call id, so the context name rides on the default and caller
// metadata stays empty; the RTP offer path is the one that can deliver it.
func (s *Server) handleRelayConn(c *relay.Conn) {
	if !s.admit(c) {
		return
	}
	go s.runCall(c, "", tools.CallMeta{})
}

func (s *Server) admit(t transport.Transport) bool {
	if s.draining.Load() {
		s.logger.Warn("call rejected, draining", "transport", t.Kind())
		t.Close()
		return false
	}
	if s.cfg.MaxCalls > 0 && s.tracker.Count() >= s.cfg.MaxCalls {
		s.logger.Warn("call rejected, at capacity", "max_calls", s.cfg.MaxCalls)
		t.Close()
		return false
	}
	return true
}

// handleRTPOffer negotiates an SDP offer into a bound RTP leg and answers
// with the local media description.
func (s *Server) handleRTPOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "read offer", http.StatusBadRequest)
		return
	}

	enc, err := rtpmedia.NegotiateOffer(offer)
	if err != nil {
		http.Error(w, fmt.Sprintf("negotiate: %v", err), http.StatusUnprocessableEntity)
		return
	}
	profile := audio.Profile{Encoding: enc, SampleRate: 8000}

	sess, err := s.bindMedia(callID, profile)
	if err != nil {
		http.Error(w, "bind media", http.StatusInternalServerError)
		return
	}
	if !s.admit(sess) {
		http.Error(w, "not accepting calls", http.StatusServiceUnavailable)
		return
	}

	answer, err := rtpmedia.BuildAnswer(s.cfg.RTPHost, sess.LocalPort(), enc)
	if err != nil {
		sess.Close()
		http.Error(w, "build answer", http.StatusInternalServerError)
		return
	}

	go s.runCall(sess, r.URL.Query().Get("context"), callMetaFromQuery(r.URL.Query()))

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	w.Write(answer)
}

// callMetaFromQuery reads the caller metadata the PBX attaches to an offer.
// Every field feeds the tool layer's template variables; absent parameters
// resolve to empty strings there.
func callMetaFromQuery(q url.Values) tools.CallMeta {
	return tools.CallMeta{
		CallerNumber: q.Get("caller_number"),
		CallerName:   q.Get("caller_name"),
		CalledNumber: q.Get("called_number"),
		Direction:    q.Get("direction"),
		CampaignID:   q.Get("campaign_id"),
		LeadID:       q.Get("lead_id"),
	}
}

// bindMedia opens an RTP socket inside the configured port range. Ports are
// probed sequentially; an exhausted range is an error.
func (s *Server) bindMedia(callID string, profile audio.Profile) (*rtpmedia.Session, error) {
	if s.cfg.RTPPortMin <= 0 {
		return rtpmedia.Bind(callID, profile, s.cfg.RTPHost+":0")
	}
	var lastErr error
	for port := s.cfg.RTPPortMin; port <= s.cfg.RTPPortMax; port += 2 {
		sess, err := rtpmedia.Bind(callID, profile, fmt.Sprintf("%s:%d", s.cfg.RTPHost, port))
		if err == nil {
			return sess, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("rtp port range %d-%d exhausted: %w", s.cfg.RTPPortMin, s.cfg.RTPPortMax, lastErr)
}

// runCall assembles and runs one session, blocking for the call's life.
func (s *Server) runCall(tr transport.Transport, contextName string, meta tools.CallMeta) {
	logger := s.logger.With("call_id", tr.CallID(), "transport", tr.Kind())

	if contextName == "" {
		contextName = s.cfg.DefaultContext
	}
	ctxCfg, ok := s.cfg.Context(contextName)
	if !ok {
		logger.Error("no such context", "context", contextName)
		tr.Close()
		return
	}
	adapter, err := s.buildAdapter(ctxCfg)
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		s.metrics.RecordProviderError(ctxCfg.Provider, "setup")
		tr.Close()
		return
	}

	telephony := callcontrol.New(s.cfg.CallControlURL, s.cfg.CallControlToken, tr.CallID(), logger)

	meta.CallID = tr.CallID()
	meta.ContextName = contextName

	sess := session.New(session.Config{
		Meta:         meta,
		Transport:    tr,
		Adapter:      adapter,
		Tools:        s.orch,
		Policy:       ctxCfg.Tools,
		Instructions: ctxCfg.Instructions,
		ProviderName: ctxCfg.Provider,
		Greeting:     ctxCfg.Greeting,
		Voice:        ctxCfg.Voice,
		Temperature:  ctxCfg.Temperature,
		Gate: gate.Config{
			Aggressiveness:       gate.Aggressiveness(ctxCfg.VADAggressiveness),
			PostTTSEndProtection: time.Duration(ctxCfg.PostTTSProtectionMs) * time.Millisecond,
		},
		Playback: playback.Config{
			JitterBufferMs: s.cfg.JitterBufferMs,
			MinStartMs:     s.cfg.MinStartMs,
			LowWatermarkMs: s.cfg.LowWatermarkMs,
		},
		Telephony:      telephony,
		ApologyMediaID: s.cfg.ApologyMediaID,
		Summarizer:     s.summarizer(ctxCfg),
		SummaryModel:   ctxCfg.SummaryModel,
		HangupGrace:    s.cfg.HangupGrace,
		PostCallBudget: s.cfg.PostCallBudget,
		Hooks: session.Hooks{
			OnUnderflow:   func() { s.metrics.PlaybackUnderflows.Inc() },
			OnTruncation:  func() { s.metrics.PlaybackTruncations.Inc() },
			OnGateToggle:  func(bool) { s.metrics.GateToggles.Inc() },
			OnTurnLatency: s.metrics.RecordTurnLatency,
		},
		Logger: logger,
	})

	runCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	unregister := s.tracker.Register(tr.CallID(), calltrack.Handle{
		Cancel: cancel,
		Hangup: func(string) error { return tr.Close() },
	})
	defer unregister()

	start := time.Now()
	s.metrics.RecordCallStart()
	err = sess.Run(runCtx)
	status := "ok"
	if err != nil && !errors.Is(err, context.Canceled) {
		status = "error"
		logger.Error("call failed", "error", err)
	}
	s.metrics.RecordCallEnd(string(tr.Kind()), status, time.Since(start))
	logger.Info("call finished", "status", status, "duration", time.Since(start))
}

// buildAdapter constructs the provider adapter a context is bound to.
func (s *Server) buildAdapter(ctxCfg config.Context) (provider.Adapter, error) {
	pc, ok := s.cfg.App.Providers[ctxCfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", ctxCfg.Provider)
	}

	switch pc.Type {
	case config.ProviderOpenAIRealtime:
		if s.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("provider %q: VOXGATE_OPENAI_API_KEY is not set", ctxCfg.Provider)
		}
		return openairt.New(openairt.Config{
			APIKey: s.cfg.OpenAIAPIKey,
			Model:  pc.Model,
			Logger: s.logger,
		}), nil

	case config.ProviderGeminiLive:
		if s.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("provider %q: VOXGATE_GEMINI_API_KEY is not set", ctxCfg.Provider)
		}
		return geminilive.New(geminilive.Config{
			APIKey: s.cfg.GeminiAPIKey,
			Model:  pc.Model,
			Logger: s.logger,
		}), nil

	case config.ProviderPipeline:
		sttProv, err := s.buildSTT(pc.STT)
		if err != nil {
			return nil, err
		}
		ttsProv, err := s.buildTTS(pc.TTS)
		if err != nil {
			return nil, err
		}
		llmClient, err := s.buildLLM(pc.LLM)
		if err != nil {
			return nil, err
		}
		return pipeline.New(pipeline.Config{
			STT:      sttProv,
			TTS:      ttsProv,
			LLM:      llmClient,
			Model:    pc.LLM.Model,
			Language: pc.Language,
			Logger:   s.logger,
		}), nil
	}
	return nil, fmt.Errorf("provider %q: unsupported type %q", ctxCfg.Provider, pc.Type)
}

func (s *Server) buildSTT(part config.PipelinePart) (stt.Provider, error) {
	switch part.Vendor {
	case "deepgram":
		if s.cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("stt deepgram: VOXGATE_DEEPGRAM_API_KEY is not set")
		}
		return stt.NewDeepgram(s.cfg.DeepgramAPIKey), nil
	}
	return nil, fmt.Errorf("stt: unsupported vendor %q", part.Vendor)
}

func (s *Server) buildTTS(part config.PipelinePart) (tts.Provider, error) {
	switch part.Vendor {
	case "elevenlabs":
		if s.cfg.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("tts elevenlabs: VOXGATE_ELEVENLABS_API_KEY is not set")
		}
		return tts.NewElevenLabs(s.cfg.ElevenLabsAPIKey), nil
	}
	return nil, fmt.Errorf("tts: unsupported vendor %q", part.Vendor)
}

func (s *Server) buildLLM(part config.PipelinePart) (llm.Client, error) {
	switch part.Vendor {
	case "openai":
		if s.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("llm openai: VOXGATE_OPENAI_API_KEY is not set")
		}
		return llm.NewOpenAIChat(s.cfg.OpenAIAPIKey), nil
	case "gemini":
		if s.cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("llm gemini: VOXGATE_GEMINI_API_KEY is not set")
		}
		return llm.NewGemini(context.Background(), s.cfg.GeminiAPIKey, part.Model)
	}
	return nil, fmt.Errorf("llm: unsupported vendor %q", part.Vendor)
}

// summarizer picks the chat backend for post-call summaries.
func (s *Server) summarizer(ctxCfg config.Context) llm.Client {
	if !ctxCfg.Summarize {
		return nil
	}
	if s.cfg.OpenAIAPIKey != "" {
		return llm.NewOpenAIChat(s.cfg.OpenAIAPIKey)
	}
	if s.cfg.GeminiAPIKey != "" {
		client, err := llm.NewGemini(context.Background(), s.cfg.GeminiAPIKey, ctxCfg.SummaryModel)
		if err != nil {
			s.logger.Warn("summary backend unavailable", "error", err)
			return nil
		}
		return client
	}
	s.logger.Warn("summaries enabled but no chat credentials configured")
	return nil
}

// SetDraining flips readiness and stops admitting calls.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// HangupCalls asks every live call to end gracefully.
func (s *Server) HangupCalls(reason string) int {
	return s.tracker.HangupAll(reason)
}

// WaitCalls blocks until live calls finish or ctx ends.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelCalls force-terminates whatever is still running.
func (s *Server) CancelCalls() int {
	n := s.tracker.CancelAll()
	s.stop()
	return n
}

// ActiveCalls reports the live session count.
func (s *Server) ActiveCalls() int {
	return s.tracker.Count()
}
