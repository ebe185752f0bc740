package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	elevenLabsModel   = "eleven_turbo_v2_5"

	writeTimeout = 5 * time.Second
)

// ElevenLabsProvider implements streaming TTS over the stream-input socket.
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
}

// NewElevenLabs creates an ElevenLabs TTS provider.
func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: elevenLabsBaseURL}
}

// NewElevenLabsWithBaseURL overrides the endpoint, used by tests.
func NewElevenLabsWithBaseURL(apiKey, baseURL string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (e *ElevenLabsProvider) Name() string { return "elevenlabs" }

// OpenStream implements Provider.
func (e *ElevenLabsProvider) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	model := cfg.Model
	if model == "" {
		model = elevenLabsModel
	}
	wsURL := fmt.Sprintf("%s/%s/stream-input", e.baseURL, url.PathEscape(cfg.Voice))
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse tts url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", model)
	q.Set("output_format", outputFormat(cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial tts stream: %w", err)
	}

	s := &elevenLabsStream{
		conn:  conn,
		audio: make(chan []byte, 32),
		stop:  make(chan struct{}),
	}

	// The protocol requires an initial space message to open the context.
	if err := s.writeJSON(map[string]any{"text": " "}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open tts context: %w", err)
	}

	go s.readLoop()
	return s, nil
}

func outputFormat(sampleRate int) string {
	switch sampleRate {
	case 8000:
		return "pcm_8000"
	case 22050:
		return "pcm_22050"
	case 24000:
		return "pcm_24000"
	default:
		return "pcm_16000"
	}
}

type elevenLabsStream struct {
	conn  *websocket.Conn
	audio chan []byte
	stop  chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

type elevenLabsMessage struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *elevenLabsStream) readLoop() {
	defer close(s.audio)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(fmt.Errorf("tts read: %w", err))
			}
			return
		}
		var msg elevenLabsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			s.setErr(fmt.Errorf("tts backend: %s: %s", msg.Error, msg.Message))
			return
		}
		if msg.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.setErr(fmt.Errorf("tts audio decode: %w", err))
				return
			}
			select {
			case s.audio <- pcm:
			case <-s.stop:
				return
			}
		}
		// The backend sends isFinal once the end-of-input marker has been
		// flushed through synthesis; the audio channel closes so consumers
		// know the segment is fully drained.
		if msg.IsFinal {
			return
		}
	}
}

func (s *elevenLabsStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *elevenLabsStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// SendText implements Stream. Flush sends the end-of-input marker after the
// text; the backend synthesizes everything buffered, streams the tail, and
// answers with its final marker, which closes Audio.
func (s *elevenLabsStream) SendText(text string, flush bool) error {
	if s.closed.Load() {
		return fmt.Errorf("tts stream closed")
	}
	if text != "" {
		// The protocol wants a trailing space as the chunk separator.
		if !strings.HasSuffix(text, " ") {
			text += " "
		}
		if err := s.writeJSON(map[string]any{"text": text}); err != nil {
			return err
		}
	}
	if flush {
		return s.writeJSON(map[string]any{"text": ""})
	}
	return nil
}

// Audio implements Stream.
func (s *elevenLabsStream) Audio() <-chan []byte { return s.audio }

// Err implements Stream.
func (s *elevenLabsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements Stream. Closing without a prior flush abandons the
// segment; synthesis still in flight server side is discarded with the
// socket.
func (s *elevenLabsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	return s.conn.Close()
}
