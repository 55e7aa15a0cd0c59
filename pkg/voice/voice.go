package voice

import (
	"context"
	"time"
)

// Source identifies who produced a conversation turn.
type Source string

const (
	SourceCustomer Source = "customer"
	SourceAI       Source = "ai"
)

// Sentiment is the emotional reading of a caller utterance.
// Score ranges from -1 (negative) to 1 (positive).
type Sentiment struct {
	Score     float64 `json:"score"`
	Magnitude float64 `json:"magnitude"`
}

// Label returns "positive", "negative" or "neutral".
func (s Sentiment) Label() string {
	switch {
	case s.Score >= 0.3:
		return "positive"
	case s.Score <= -0.3:
		return "negative"
	default:
		return "neutral"
	}
}

// Turn is one entry in the conversation history.
type Turn struct {
	Source    Source     `json:"source"`
	Text      string     `json:"text"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Transcript is a transcription result for the current utterance.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
	Sentiment  *Sentiment
}

// Empty reports whether the transcript carries no words.
func (t Transcript) Empty() bool {
	for _, r := range t.Text {
		if r != ' ' && r != '\t' && r != '\n' {
			return false
		}
	}
	return true
}

// VoicePreferences tune the synthesized voice.
type VoicePreferences struct {
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Pitch      float64 `json:"pitch"`
	Modulation float64 `json:"modulation"`
}

// Request is the input to a Reasoner.
type Request struct {
	SessionID  string
	Transcript Transcript
	History    []Turn
	Metadata   map[string]string
	RetryCount int
}

// ContextUpdate carries changes a reply asks the session to apply.
type ContextUpdate struct {
	RequiresHandoff bool
	Metadata        map[string]string
}

// Reply is the output of a Reasoner.
type Reply struct {
	Text   string
	Voice  VoicePreferences
	Update ContextUpdate
}

// SynthesisOptions control a synthesis request.
type SynthesisOptions struct {
	SampleRate int
	Voice      VoicePreferences
}

// Audio is a synthesized reply.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
	Duration   time.Duration
}

// TurnRecord is the persisted form of one completed turn.
type TurnRecord struct {
	SessionID    string
	ClientID     string
	CustomerText string
	AIResponse   string
	Sentiment    *Sentiment
	Voice        string
	Context      map[string]any
	StartedAt    time.Time
	Timestamp    time.Time
}

// TranscriptHandler receives asynchronous transcription results.
type TranscriptHandler func(sessionID string, t Transcript)

// Transcriber streams caller audio to a speech-to-text backend.
type Transcriber interface {
	// StartSession opens a stream for sessionID. Results that the backend
	// endpoints on its own are delivered to handler.
	StartSession(ctx context.Context, sessionID string, sampleRate int, handler TranscriptHandler) error

	// SubmitAudio forwards one chunk of caller audio.
	SubmitAudio(ctx context.Context, sessionID string, chunk []byte) error

	// Finalize flushes the stream and returns the text pending since the
	// last delivered result. It blocks until the backend answers or ctx ends.
	Finalize(ctx context.Context, sessionID string) (Transcript, error)

	// EndSession closes the stream for sessionID.
	EndSession(ctx context.Context, sessionID string) error
}

// Reasoner produces a reply for a caller utterance.
type Reasoner interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// Synthesizer renders reply text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesisOptions) (Audio, error)
}

// Recorder persists turns and session outcomes.
type Recorder interface {
	LogTurn(ctx context.Context, rec TurnRecord) error
	FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error
}
