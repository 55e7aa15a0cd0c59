// Package pipeline runs caller turns: transcription, reasoning, synthesis
// and delivery, plus the error path that decides between a retry notice and
// a handoff.
//
// Inbound caller events are handed to the Orchestrator by the gateway. Work
// for one session runs on that session's worker in arrival order; sessions
// are independent of each other.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/handoff"
	"github.com/teslashibe/go-voicedesk/pkg/metrics"
	"github.com/teslashibe/go-voicedesk/pkg/reconnect"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Sentinel errors for the pipeline package.
var (
	ErrMissingDependency = errors.New("pipeline: missing dependency")
	ErrSessionNotFound   = errors.New("pipeline: session not found")
)

// Call end reasons sent in call_ended.
const (
	ReasonEndCall  = "end_call"
	ReasonOperator = "operator"
)

// Turn outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeEmpty     = "empty"
	outcomeDiscarded = "discarded"
	outcomeFailed    = "failed"
)

// Config holds orchestrator configuration.
type Config struct {
	// MaxRetries is the number of failures tolerated before handoff.
	MaxRetries int

	// SpeechEndTimeout bounds the wait for a final transcript after the
	// caller signals end of speech.
	SpeechEndTimeout time.Duration

	// EmptyReply is sent when end of speech produced no words.
	EmptyReply string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		SpeechEndTimeout: 10 * time.Second,
		EmptyReply:       "I didn't catch that. Could you please try again?",
	}
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Registry    *session.Registry
	Transcriber voice.Transcriber
	Reasoner    voice.Reasoner
	Synthesizer voice.Synthesizer

	// Recorder is optional; without it turns are not persisted.
	Recorder voice.Recorder

	Handoff    *handoff.Coordinator
	Supervisor *reconnect.Supervisor
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return fmt.Errorf("%w: registry", ErrMissingDependency)
	case d.Transcriber == nil:
		return fmt.Errorf("%w: transcriber", ErrMissingDependency)
	case d.Reasoner == nil:
		return fmt.Errorf("%w: reasoner", ErrMissingDependency)
	case d.Synthesizer == nil:
		return fmt.Errorf("%w: synthesizer", ErrMissingDependency)
	case d.Handoff == nil:
		return fmt.Errorf("%w: handoff coordinator", ErrMissingDependency)
	case d.Supervisor == nil:
		return fmt.Errorf("%w: supervisor", ErrMissingDependency)
	}
	return nil
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.config = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}
