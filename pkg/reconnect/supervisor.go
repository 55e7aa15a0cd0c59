// Package reconnect keeps sessions alive across dropped connections.
//
// A dropped transport arms a grace timer on the registry. A caller that
// reconnects before it fires gets the same session back with its history
// intact; otherwise the session is finalized and removed. A periodic sweep
// retires sessions that are still connected but silent, and escalated
// sessions whose handoff notice never reached the caller.
package reconnect

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Close reasons recorded by the supervisor.
const (
	ReasonExpired   = "grace_expired"
	ReasonInactive  = "inactive"
	ReasonAbandoned = "handoff_abandoned"
)

// Sentinel errors returned by Reconnected and Restore.
var (
	ErrSessionMismatch = errors.New("reconnect: session id mismatch")
	ErrSessionClosed   = errors.New("reconnect: session closed")
)

// StreamCloser ends a session's transcription stream.
type StreamCloser interface {
	EndSession(ctx context.Context, sessionID string) error
}

// Config holds supervisor timing.
type Config struct {
	GracePeriod     time.Duration
	InactiveTimeout time.Duration
	SweepInterval   time.Duration

	// FinalizeTimeout bounds persistence and stream teardown.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     30 * time.Minute,
		InactiveTimeout: time.Minute,
		SweepInterval:   5 * time.Minute,
		FinalizeTimeout: 5 * time.Second,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithConfig sets the timing.
func WithConfig(c Config) Option {
	return func(s *Supervisor) { s.config = c }
}

// WithRecorder finalizes persisted sessions.
func WithRecorder(r voice.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithStreams ends transcription streams on finalize.
func WithStreams(c StreamCloser) Option {
	return func(s *Supervisor) { s.streams = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor owns the disconnect and inactivity policy.
type Supervisor struct {
	registry *session.Registry
	recorder voice.Recorder
	streams  StreamCloser
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a supervisor for reg.
func New(reg *session.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry: reg,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "reconnect"))
	return s
}

// Disconnected handles the loss of t. Only the current transport arms the
// grace timer; a connection that was already replaced is ignored.
func (s *Supervisor) Disconnected(sess *session.Session, t session.Transport) bool {
	if !sess.Detach(t) {
		return false
	}
	armed := s.registry.ArmExpiry(sess.ID(), s.config.GracePeriod, func(id string) {
		s.logger.Info("grace period expired", zap.String("session_id", id))
		s.Finalize(context.Background(), id, ReasonExpired)
	})
	if armed {
		s.logger.Info("caller disconnected",
			zap.String("session_id", sess.ID()),
			zap.Duration("grace", s.config.GracePeriod),
		)
	}
	return armed
}

// Reconnected attaches t to an existing session, cancels its grace timer
// and tells the caller what was restored. A previous live transport is
// closed. The negotiated sample rate is kept. ErrSessionClosed is returned
// when the session was retired before t could be attached.
func (s *Supervisor) Reconnected(sess *session.Session, t session.Transport) error {
	s.registry.CancelExpiry(sess.ID())
	prev, err := sess.SetTransport(t)
	if err != nil {
		return ErrSessionClosed
	}
	if prev != nil && prev != t {
		if err := prev.Close(); err != nil {
			s.logger.Debug("close replaced transport", zap.Error(err))
		}
	}

	snap := sess.Snapshot()
	s.logger.Info("caller reconnected",
		zap.String("session_id", sess.ID()),
		zap.Int("history", len(snap.History)),
	)
	return sess.Emit(protocol.TypeSessionRestored, protocol.SessionRestoredData{
		SessionID:     sess.ID(),
		State:         string(snap.State),
		HistoryLength: len(snap.History),
	})
}

// Restore handles an explicit restore_session request on a connection that
// is already bound to sess.
func (s *Supervisor) Restore(sess *session.Session, t session.Transport, sessionID string) error {
	if sessionID != sess.ID() {
		return ErrSessionMismatch
	}
	return s.Reconnected(sess, t)
}

// Finalize removes the session, flushes persistence and ends its stream.
// Persistence and stream errors are logged and swallowed. It reports
// whether the session was live.
func (s *Supervisor) Finalize(ctx context.Context, id, reason string) bool {
	if !s.registry.Close(id, reason) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FinalizeTimeout)
	defer cancel()

	if s.recorder != nil {
		if err := s.recorder.FinalizeSession(ctx, id, s.now()); err != nil {
			s.logger.Warn("finalize session record", zap.String("session_id", id), zap.Error(err))
		}
	}
	if s.streams != nil {
		if err := s.streams.EndSession(ctx, id); err != nil {
			s.logger.Debug("end transcription stream", zap.String("session_id", id), zap.Error(err))
		}
	}
	return true
}

// Sweep retires idle connected sessions and abandoned handoffs. It returns
// the ids it removed.
func (s *Supervisor) Sweep(ctx context.Context) []string {
	now := s.now()
	var removed []string

	for _, sess := range s.registry.Sessions() {
		reason := ""
		switch {
		case sess.State() == session.StateHandoffInProgress:
			reason = ReasonAbandoned
		case sess.Connected() && !sess.Busy() && now.Sub(sess.LastActive()) > s.config.InactiveTimeout:
			reason = ReasonInactive
		default:
			continue
		}
		if s.Finalize(ctx, sess.ID(), reason) {
			removed = append(removed, sess.ID())
		}
	}

	if len(removed) > 0 {
		s.logger.Info("sweep removed sessions", zap.Strings("session_ids", removed))
	}
	return removed
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
