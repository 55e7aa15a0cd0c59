package reasoning

import (
	"context"
	"sync"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Mock implements voice.Reasoner for testing.
type Mock struct {
	// Text is the default reply.
	Text string

	// RespondFunc is called when Respond is invoked. If nil, returns Text
	// with voice preferences derived from the transcript sentiment.
	RespondFunc func(ctx context.Context, req voice.Request) (voice.Reply, error)

	mu       sync.Mutex
	requests []voice.Request
}

// NewMock creates a new mock reasoner.
func NewMock() *Mock {
	return &Mock{Text: "I can help with that. Could you share your order number?"}
}

// Respond records req and returns the configured reply.
func (m *Mock) Respond(ctx context.Context, req voice.Request) (voice.Reply, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.RespondFunc != nil {
		return m.RespondFunc(ctx, req)
	}
	text, handoff := ParseReply(m.Text)
	return voice.Reply{
		Text:   text,
		Voice:  VoiceFor(NormalizeSentiment(req.Transcript.Sentiment)),
		Update: voice.ContextUpdate{RequiresHandoff: handoff},
	}, nil
}

// Requests returns all recorded requests.
func (m *Mock) Requests() []voice.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]voice.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Verify Mock implements voice.Reasoner at compile time.
var _ voice.Reasoner = (*Mock)(nil)
