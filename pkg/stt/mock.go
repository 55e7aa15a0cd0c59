package stt

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Mock implements voice.Transcriber for testing.
// All methods can be customized via function fields.
type Mock struct {
	// Text is what the default Finalize returns when audio was submitted.
	Text string

	// StartFunc is called when StartSession is invoked. If nil, succeeds.
	StartFunc func(ctx context.Context, sessionID string, sampleRate int) error

	// SubmitFunc is called when SubmitAudio is invoked. If nil, succeeds.
	SubmitFunc func(ctx context.Context, sessionID string, chunk []byte) error

	// FinalizeFunc is called when Finalize is invoked. If nil, returns
	// Text when audio arrived since the last result and empty otherwise.
	FinalizeFunc func(ctx context.Context, sessionID string) (voice.Transcript, error)

	// EndFunc is called when EndSession is invoked. If nil, succeeds.
	EndFunc func(ctx context.Context, sessionID string) error

	mu       sync.Mutex
	handlers map[string]voice.TranscriptHandler
	bytes    map[string]int
	calls    []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method    string
	SessionID string
	Bytes     int
	Time      time.Time
}

// NewMock creates a new mock transcriber with sensible defaults.
func NewMock() *Mock {
	return &Mock{
		Text:     "I need help with my order",
		handlers: make(map[string]voice.TranscriptHandler),
		bytes:    make(map[string]int),
	}
}

// StartSession records the handler for sessionID.
func (m *Mock) StartSession(ctx context.Context, sessionID string, sampleRate int, handler voice.TranscriptHandler) error {
	m.record("StartSession", sessionID, 0)
	if m.StartFunc != nil {
		if err := m.StartFunc(ctx, sessionID, sampleRate); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.handlers[sessionID] = handler
	m.mu.Unlock()
	return nil
}

// SubmitAudio counts the chunk.
func (m *Mock) SubmitAudio(ctx context.Context, sessionID string, chunk []byte) error {
	m.record("SubmitAudio", sessionID, len(chunk))
	if m.SubmitFunc != nil {
		if err := m.SubmitFunc(ctx, sessionID, chunk); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.bytes[sessionID] += len(chunk)
	m.mu.Unlock()
	return nil
}

// Finalize returns the pending transcript.
func (m *Mock) Finalize(ctx context.Context, sessionID string) (voice.Transcript, error) {
	m.record("Finalize", sessionID, 0)
	if m.FinalizeFunc != nil {
		return m.FinalizeFunc(ctx, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes[sessionID] == 0 {
		return voice.Transcript{Final: true}, nil
	}
	m.bytes[sessionID] = 0
	return voice.Transcript{Text: m.Text, Final: true, Confidence: 0.99}, nil
}

// EndSession forgets the session.
func (m *Mock) EndSession(ctx context.Context, sessionID string) error {
	m.record("EndSession", sessionID, 0)
	m.mu.Lock()
	delete(m.handlers, sessionID)
	delete(m.bytes, sessionID)
	m.mu.Unlock()
	if m.EndFunc != nil {
		return m.EndFunc(ctx, sessionID)
	}
	return nil
}

// Deliver pushes t to the session's handler as the backend would.
// A final transcript clears the pending audio count.
func (m *Mock) Deliver(sessionID string, t voice.Transcript) bool {
	m.mu.Lock()
	h := m.handlers[sessionID]
	if t.Final {
		m.bytes[sessionID] = 0
	}
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(sessionID, t)
	return true
}

func (m *Mock) record(method, sessionID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method:    method,
		SessionID: sessionID,
		Bytes:     n,
		Time:      time.Now(),
	})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Verify Mock implements voice.Transcriber at compile time.
var _ voice.Transcriber = (*Mock)(nil)
