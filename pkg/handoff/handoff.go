// Package handoff escalates calls to a human agent.
//
// When a session reaches PENDING_HANDOFF the Coordinator moves it to
// HANDOFF_IN_PROGRESS, queues the caller for an agent by priority, tells the
// caller their queue position and retires the session. Priority grows with
// failed attempts and with the strength of the caller's sentiment.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/metrics"
	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// DefaultMessage is spoken to the caller when the handoff starts.
const DefaultMessage = "Connecting you to a support specialist..."

// ReasonHandoff is the close reason recorded for escalated sessions.
const ReasonHandoff = "handoff"

// ErrNotPending is returned when Initiate is called outside PENDING_HANDOFF.
var ErrNotPending = errors.New("handoff: session not pending handoff")

// Finalizer retires a session and flushes its persistence.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID, reason string) bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records handoff results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMessage overrides the caller notice.
func WithMessage(msg string) Option {
	return func(c *Coordinator) { c.message = msg }
}

// WithQueue shares an existing queue.
func WithQueue(q *Queue) Option {
	return func(c *Coordinator) { c.queue = q }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs the handoff sequence.
type Coordinator struct {
	finalizer Finalizer
	queue     *Queue
	message   string
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a coordinator that retires sessions through f.
func NewCoordinator(f Finalizer, opts ...Option) *Coordinator {
	c := &Coordinator{
		finalizer: f,
		message:   DefaultMessage,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queue == nil {
		c.queue = NewQueue()
	}
	c.logger = c.logger.With(zap.String("component", "handoff"))
	return c
}

// Queue returns the agent queue.
func (c *Coordinator) Queue() *Queue {
	return c.queue
}

// Priority scores a session for the agent queue.
func Priority(ctx session.Context) float64 {
	return float64(ctx.RetryCount)*10 + math.Abs(ctx.Sentiment())
}

// Initiate escalates s. It must be called with s in PENDING_HANDOFF.
// When the caller cannot be notified a handoff_failed event is attempted,
// the ticket is withdrawn and the session is left in HANDOFF_IN_PROGRESS
// for the inactivity sweep to retire.
func (c *Coordinator) Initiate(ctx context.Context, s *session.Session) error {
	from, to, err := s.Fire(session.TriggerHandoffStarted)
	if err != nil {
		return err
	}
	if from != session.StatePendingHandoff || to != session.StateHandoffInProgress {
		return fmt.Errorf("%w: %s", ErrNotPending, from)
	}

	snap := s.Snapshot()
	pos := c.queue.Enqueue(Ticket{
		SessionID:  s.ID(),
		ClientID:   s.ClientID(),
		Priority:   Priority(snap),
		RetryCount: snap.RetryCount,
		LastError:  snap.LastError,
		Transcript: customerLines(snap.History),
		EnqueuedAt: c.now(),
	})

	log := c.logger.With(zap.String("session_id", s.ID()))
	if err := s.Emit(protocol.TypeHandoffInitiated, protocol.HandoffData{
		Message:         c.message,
		PositionInQueue: pos,
	}); err != nil {
		c.queue.Remove(s.ID())
		if ferr := s.Emit(protocol.TypeHandoffFailed, protocol.ErrorData{
			Code:    protocol.CodeHandoffFailed,
			Message: "Unable to reach a support specialist",
		}); ferr != nil {
			log.Debug("handoff failure not delivered", zap.Error(ferr))
		}
		c.metrics.RecordHandoff("failed", c.queue.Len())
		log.Warn("handoff notification failed", zap.Error(err))
		return fmt.Errorf("handoff: notify caller: %w", err)
	}

	c.metrics.RecordHandoff("initiated", c.queue.Len())
	log.Info("caller handed off",
		zap.Int("position", pos),
		zap.Int("retry_count", snap.RetryCount),
		zap.String("last_error", string(snap.LastError)),
	)

	if _, _, err := s.Fire(session.TriggerHandoffComplete); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	c.finalizer.Finalize(ctx, s.ID(), ReasonHandoff)
	return nil
}

// Accept removes a caller from the queue when an agent picks them up.
func (c *Coordinator) Accept(sessionID string) (Ticket, bool) {
	t, ok := c.queue.Remove(sessionID)
	if ok {
		c.metrics.SetHandoffQueue(c.queue.Len())
		c.logger.Info("handoff accepted", zap.String("session_id", sessionID))
	}
	return t, ok
}

// Next removes the highest-priority caller.
func (c *Coordinator) Next() (Ticket, bool) {
	t, ok := c.queue.Dequeue()
	if ok {
		c.metrics.SetHandoffQueue(c.queue.Len())
	}
	return t, ok
}

func customerLines(history []voice.Turn) []string {
	var out []string
	for _, t := range history {
		if t.Source == voice.SourceCustomer {
			out = append(out, t.Text)
		}
	}
	return out
}
