package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deepgramBaseURL = "wss://api.deepgram.com/v1/listen"
	deepgramModel   = "nova-2-phonecall"

	keepAliveInterval = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// DeepgramProvider implements streaming STT over Deepgram's listen socket.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
}

// NewDeepgram creates a Deepgram STT provider.
func NewDeepgram(apiKey string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: deepgramBaseURL}
}

// NewDeepgramWithBaseURL overrides the endpoint, used by tests and proxies.
func NewDeepgramWithBaseURL(apiKey, baseURL string) *DeepgramProvider {
	return &DeepgramProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (d *DeepgramProvider) Name() string { return "deepgram" }

// OpenStream implements Provider.
func (d *DeepgramProvider) OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = deepgramModel
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("model", model)
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial stt stream: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Result, 32),
		stop:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Result
	stop    chan struct{}

	writeMu sync.Mutex
	closed  atomic.Bool

	errMu sync.Mutex
	err   error
}

// Server message shape for Results and lifecycle events.
type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	// SpeechFinal marks the endpointer's utterance boundary.
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(fmt.Errorf("stt read: %w", err))
			}
			return
		}
		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if text == "" && !msg.SpeechFinal {
				continue
			}
			s.deliver(Result{Text: text, Final: msg.IsFinal, EndOfSpeech: msg.SpeechFinal})
		case "UtteranceEnd":
			s.deliver(Result{Final: true, EndOfSpeech: true})
		}
	}
}

// deliver hands a result to the consumer, giving up once the stream is
// closed so a stalled consumer cannot pin the read loop.
func (s *deepgramStream) deliver(r Result) {
	select {
	case s.results <- r:
	case <-s.stop:
	}
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SendAudio implements Stream.
func (s *deepgramStream) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("stt stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Results implements Stream.
func (s *deepgramStream) Results() <-chan Result { return s.results }

// Err implements Stream.
func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements Stream.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.conn.WriteJSON(map[string]string{"type": "CloseStream"})
	s.writeMu.Unlock()
	return s.conn.Close()
}
