package session

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Errors returned when an update would break a context invariant.
var (
	ErrSampleRateChanged = errors.New("session: sample rate is immutable")
	ErrHistoryRewritten  = errors.New("session: history is append-only")
	ErrRetryDecreased    = errors.New("session: retry count may only reset on recovery")
)

// ClientInfo describes the caller connection.
type ClientInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// Utterance tracks the caller speech not yet turned into a reply.
type Utterance struct {
	// Chunks counts audio chunks since the last completed utterance.
	Chunks int
	// Partial is the latest interim transcript.
	Partial string
	// Endpointed is set once the transcriber closed the utterance itself.
	Endpointed bool
	// Faulted is set once a transcription failure was reported for the
	// utterance, so a broken stream counts as one failure.
	Faulted bool
	// Answered is the partial a timed-out finalize was answered with. A
	// late final that repeats it is dropped.
	Answered string
}

// Context is the per-session conversation state. It is a value: callers
// receive copies and submit replacements through Session.Update.
type Context struct {
	State      State
	RetryCount int
	LastError  failure.Kind
	History    []voice.Turn
	SampleRate int
	Client     ClientInfo
	Metadata   map[string]string
	Utterance  Utterance
	CreatedAt  time.Time
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	c.History = slices.Clone(c.History)
	c.Metadata = maps.Clone(c.Metadata)
	return c
}

// WithTurn returns a copy with t appended to the history.
func (c Context) WithTurn(t voice.Turn) Context {
	c = c.Clone()
	c.History = append(c.History, t)
	return c
}

// Sentiment sums the scores of caller turns.
func (c Context) Sentiment() float64 {
	var sum float64
	for _, t := range c.History {
		if t.Source == voice.SourceCustomer && t.Sentiment != nil {
			sum += t.Sentiment.Score
		}
	}
	return sum
}

// validate checks next against prev. Retry count may drop only together
// with a move back to ACTIVE from AWAITING_RETRY.
func validate(prev, next Context) error {
	if next.SampleRate != prev.SampleRate {
		return ErrSampleRateChanged
	}
	if len(next.History) < len(prev.History) {
		return ErrHistoryRewritten
	}
	for i := range prev.History {
		if !sameTurn(prev.History[i], next.History[i]) {
			return ErrHistoryRewritten
		}
	}
	if next.RetryCount < prev.RetryCount {
		recovered := prev.State == StateAwaitingRetry && next.State == StateActive
		if !recovered || next.RetryCount != 0 {
			return ErrRetryDecreased
		}
	}
	return nil
}

func sameTurn(a, b voice.Turn) bool {
	return a.Source == b.Source && a.Text == b.Text && a.Timestamp.Equal(b.Timestamp)
}
