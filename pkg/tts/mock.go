package tts

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Mock implements voice.Synthesizer for testing.
type Mock struct {
	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, returns silent audio of about 20ms per character.
	SynthesizeFunc func(ctx context.Context, text string, opts voice.SynthesisOptions) (voice.Audio, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Text string
	Opts voice.SynthesisOptions
	Time time.Time
}

// NewMock creates a new mock synthesizer.
func NewMock() *Mock {
	return &Mock{}
}

// Synthesize records the call and returns audio.
func (m *Mock) Synthesize(ctx context.Context, text string, opts voice.SynthesisOptions) (voice.Audio, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Text: text, Opts: opts, Time: time.Now()})
	m.mu.Unlock()

	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text, opts)
	}

	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	// 20ms of PCM16 per character
	n := len(text) * rate / 50 * 2
	return voice.Audio{
		Data:       make([]byte, n),
		Format:     FormatPCM,
		SampleRate: rate,
		Duration:   PCMDuration(n, rate),
	}, nil
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Verify Mock implements voice.Synthesizer at compile time.
var _ voice.Synthesizer = (*Mock)(nil)
