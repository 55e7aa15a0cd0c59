package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Deepgram implements voice.Transcriber over Deepgram's live streaming API.
type Deepgram struct {
	config *Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	streams map[string]*stream
}

// NewDeepgram creates a Deepgram transcriber.
func NewDeepgram(opts ...Option) (*Deepgram, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Deepgram{
		config:  cfg,
		logger:  cfg.Logger.With(zap.String("component", "stt.deepgram")),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		streams: make(map[string]*stream),
	}, nil
}

// result is a Deepgram "Results" message.
type result struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal      bool `json:"is_final"`
	SpeechFinal  bool `json:"speech_final"`
	FromFinalize bool `json:"from_finalize"`
}

type control struct {
	Type string `json:"type"`
}

// stream is one session's live connection.
type stream struct {
	id      string
	ws      *websocket.Conn
	handler voice.TranscriptHandler
	logger  *zap.Logger
	timeout time.Duration

	wsMu sync.Mutex

	mu       sync.Mutex
	segments []string
	bytes    int
	waiter   chan voice.Transcript
	err      error

	// stale counts finalize requests whose caller stopped waiting. Results
	// up to and including their answer belong to an utterance that was
	// already handled and are dropped.
	stale int

	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (d *Deepgram) listenURL(sampleRate int) string {
	q := url.Values{}
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("model", d.config.Model)
	q.Set("language", d.config.Language)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("endpointing", strconv.Itoa(d.config.Endpointing))
	return d.config.URL + "?" + q.Encode()
}

// StartSession opens a streaming connection for sessionID.
func (d *Deepgram) StartSession(ctx context.Context, sessionID string, sampleRate int, handler voice.TranscriptHandler) error {
	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.APIKey)

	ws, resp, err := d.dialer.DialContext(ctx, d.listenURL(sampleRate), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("stt: connect: %w (HTTP %d)", failure.ErrUnauthorized, resp.StatusCode)
		}
		return fmt.Errorf("stt: connect: %w", err)
	}

	s := &stream{
		id:      sessionID,
		ws:      ws,
		handler: handler,
		logger:  d.logger.With(zap.String("session_id", sessionID)),
		timeout: d.config.WriteTimeout,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	prev := d.streams[sessionID]
	d.streams[sessionID] = s
	d.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go s.read()
	go s.keepAlive(d.config.KeepAliveInterval)

	s.logger.Debug("stream opened", zap.Int("sample_rate", sampleRate))
	return nil
}

// SubmitAudio forwards one chunk of audio.
func (d *Deepgram) SubmitAudio(ctx context.Context, sessionID string, chunk []byte) error {
	s, err := d.stream(sessionID)
	if err != nil {
		return err
	}
	if err := s.failed(); err != nil {
		return err
	}
	if err := s.write(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}

	s.mu.Lock()
	s.bytes += len(chunk)
	s.mu.Unlock()
	return nil
}

// Finalize flushes the stream and waits for the text pending since the last
// delivered result. Without audio since that result it returns at once.
func (d *Deepgram) Finalize(ctx context.Context, sessionID string) (voice.Transcript, error) {
	s, err := d.stream(sessionID)
	if err != nil {
		return voice.Transcript{}, err
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return voice.Transcript{}, err
	}
	if s.bytes == 0 && len(s.segments) == 0 {
		s.mu.Unlock()
		return voice.Transcript{Final: true}, nil
	}
	waiter := make(chan voice.Transcript, 1)
	s.waiter = waiter
	s.mu.Unlock()

	if err := s.writeJSON(control{Type: "Finalize"}); err != nil {
		s.clearWaiter(waiter)
		return voice.Transcript{}, fmt.Errorf("stt: finalize: %w", err)
	}

	select {
	case t := <-waiter:
		return t, nil
	case <-s.done:
		s.clearWaiter(waiter)
		if err := s.failed(); err != nil {
			return voice.Transcript{}, err
		}
		return voice.Transcript{}, ErrStreamClosed
	case <-ctx.Done():
		if !s.abandon(waiter) {
			return <-waiter, nil
		}
		return voice.Transcript{}, ctx.Err()
	}
}

// EndSession closes the stream for sessionID. Unknown ids are ignored.
func (d *Deepgram) EndSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	s, ok := d.streams[sessionID]
	delete(d.streams, sessionID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	_ = s.writeJSON(control{Type: "CloseStream"})
	s.close()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends every open stream.
func (d *Deepgram) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[string]*stream)
	d.mu.Unlock()

	for _, s := range streams {
		s.close()
		<-s.done
	}
	return nil
}

func (d *Deepgram) stream(sessionID string) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[sessionID]
	if !ok {
		return nil, ErrNoStream
	}
	return s, nil
}

func (s *stream) write(messageType int, data []byte) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.ws.WriteMessage(messageType, data)
}

func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *stream) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) clearWaiter(w chan voice.Transcript) {
	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	s.mu.Unlock()
}

// abandon gives up on w. It reports false when the answer was already
// delivered to w.
func (s *stream) abandon(w chan voice.Transcript) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter != w {
		return false
	}
	s.waiter = nil
	s.stale++
	s.segments = nil
	s.bytes = 0
	return true
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.closing)
		s.ws.Close()
	})
}

// keepAlive stops the backend from closing an idle stream.
func (s *stream) keepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(control{Type: "KeepAlive"}); err != nil {
				return
			}
		case <-s.closing:
			return
		case <-s.done:
			return
		}
	}
}

// read processes incoming messages until the connection ends.
func (s *stream) read() {
	defer close(s.done)

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Warn("stream read failed", zap.Error(err))
				s.mu.Lock()
				s.err = fmt.Errorf("stt: stream: %w", err)
				s.mu.Unlock()
			}
			return
		}

		var msg result
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("unparseable message", zap.Error(err))
			continue
		}
		if msg.Type != "Results" {
			continue
		}
		s.handle(msg)
	}
}

func (s *stream) handle(msg result) {
	var text string
	var confidence float64
	if len(msg.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		confidence = msg.Channel.Alternatives[0].Confidence
	}

	s.mu.Lock()
	if s.stale > 0 {
		if msg.FromFinalize {
			s.stale--
		}
		s.mu.Unlock()
		return
	}
	if !msg.IsFinal {
		partial := strings.TrimSpace(strings.Join(append(s.segments[:len(s.segments):len(s.segments)], text), " "))
		s.mu.Unlock()
		if text != "" && s.handler != nil {
			s.handler(s.id, voice.Transcript{Text: partial, Confidence: confidence})
		}
		return
	}

	if text != "" {
		s.segments = append(s.segments, text)
	}

	if msg.FromFinalize && s.waiter != nil {
		t := voice.Transcript{Text: strings.Join(s.segments, " "), Final: true, Confidence: confidence}
		s.segments = nil
		s.bytes = 0
		s.waiter <- t
		s.waiter = nil
		s.mu.Unlock()
		return
	}

	if !msg.SpeechFinal && !msg.FromFinalize {
		s.mu.Unlock()
		return
	}

	joined := strings.Join(s.segments, " ")
	s.segments = nil
	s.bytes = 0
	s.mu.Unlock()

	if joined != "" && s.handler != nil {
		s.handler(s.id, voice.Transcript{Text: joined, Final: true, Confidence: confidence})
	}
}

// Verify Deepgram implements voice.Transcriber at compile time.
var _ voice.Transcriber = (*Deepgram)(nil)
