package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/protocol"
	"github.com/teslashibe/go-voicedesk/pkg/vad"
)

// Sentinel errors for the session package.
var (
	ErrClosed          = errors.New("session: closed")
	ErrDetached        = errors.New("session: no transport attached")
	ErrQueueFull       = errors.New("session: work queue full")
	ErrNotFound        = errors.New("session: not found")
	ErrInvalidClientID = errors.New("session: client id required")
)

// Transport delivers messages to the caller's current connection.
type Transport interface {
	Send(msg *protocol.Message) error
	Close() error
}

type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Session is one caller's live call. Its conversation state survives
// transport replacement. Work submitted through Submit runs one item at a
// time, in submission order, on the session's own goroutine.
type Session struct {
	id       string
	clientID string
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      Context
	transport  Transport
	lastActive time.Time
	closed     bool

	vad *vad.Tracker

	queue   chan job
	pending atomic.Int32

	runCtx context.Context
	stop   context.CancelFunc

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSession(id, clientID string, p Params, r *Registry) *Session {
	now := r.now()
	runCtx, stop := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		clientID: clientID,
		logger:   r.logger.With(zap.String("session_id", id)),
		now:      r.now,
		state: Context{
			State:      StateInitializing,
			SampleRate: p.SampleRate,
			Client:     p.Client,
			Metadata:   map[string]string{},
			CreatedAt:  now,
		},
		transport:  p.Transport,
		lastActive: now,
		queue:      make(chan job, r.queueSize),
		runCtx:     runCtx,
		stop:       stop,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	onVAD := r.hooks.VADChanged
	s.vad = vad.NewTracker(func(from, to vad.Status) {
		if onVAD != nil {
			onVAD(from, to)
		}
		if err := s.Emit(protocol.TypeVADStatus, protocol.VADStatusData{
			Status:   string(to),
			Previous: string(from),
		}); err != nil && !errors.Is(err, ErrDetached) {
			s.logger.Debug("vad status not delivered", zap.Error(err))
		}
	})

	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ClientID returns the caller identity the id was derived from.
func (s *Session) ClientID() string { return s.clientID }

// VAD returns the session's activity tracker.
func (s *Session) VAD() *vad.Tracker { return s.vad }

// Logger returns a logger tagged with the session id.
func (s *Session) Logger() *zap.Logger { return s.logger }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stopped is closed once the worker goroutine has exited.
func (s *Session) Stopped() <-chan struct{} { return s.stopped }

// Snapshot returns a copy of the current context.
func (s *Session) Snapshot() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State
}

// Update replaces the context with fn's result in one step. fn receives a
// copy and must not call back into the session. Updates that would change
// the sample rate, rewrite history or lower the retry count outside a
// recovery are rejected and leave the context untouched.
func (s *Session) Update(fn func(Context) Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.state.Clone(), ErrClosed
	}
	next := fn(s.state.Clone())
	if err := validate(s.state, next); err != nil {
		return s.state.Clone(), err
	}
	s.state = next
	return next.Clone(), nil
}

// Fire applies trigger t and returns the states before and after. A
// trigger with no transition from the current state changes nothing.
func (s *Session) Fire(t Trigger) (from, to State, err error) {
	_, err = s.Update(func(c Context) Context {
		from = c.State
		c.State = Next(c.State, t)
		to = c.State
		return c
	})
	if err == nil && !Allowed(from, t) {
		s.logger.Debug("trigger ignored", zap.String("state", string(from)), zap.String("trigger", string(t)))
	}
	return from, to, err
}

// Emit builds a message and sends it on the current transport.
func (s *Session) Emit(t protocol.MessageType, data any) error {
	msg, err := protocol.NewMessage(t, data)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// Send writes msg to the current transport.
func (s *Session) Send(msg *protocol.Message) error {
	s.mu.Lock()
	closed, tr := s.closed, s.transport
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if tr == nil {
		return ErrDetached
	}
	return tr.Send(msg)
}

// SetTransport attaches t and returns the transport it replaced. A closed
// session refuses the transport with ErrClosed.
func (s *Session) SetTransport(t Transport) (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	prev := s.transport
	s.transport = t
	s.lastActive = s.now()
	return prev, nil
}

// Detach removes t if it is still the current transport.
func (s *Session) Detach(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil || s.transport != t {
		return false
	}
	s.transport = nil
	return true
}

// Transport returns the current transport, or nil when detached.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Connected reports whether a transport is attached.
func (s *Session) Connected() bool {
	return s.Transport() != nil
}

// Touch records caller activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// LastActive returns the time of the last caller activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Submit queues fn to run on the session worker. The returned channel is
// closed after fn returns, or when the session closes before fn ran.
// The context passed to fn is cancelled when the session closes or the
// turn is cancelled.
func (s *Session) Submit(fn func(ctx context.Context)) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	j := job{fn: fn, done: make(chan struct{})}
	s.pending.Add(1)
	select {
	case s.queue <- j:
		return j.done, nil
	default:
		s.pending.Add(-1)
		return nil, ErrQueueFull
	}
}

// Busy reports whether work is queued or running.
func (s *Session) Busy() bool {
	return s.pending.Load() > 0
}

// CancelTurn cancels the work item currently running, if any.
func (s *Session) CancelTurn() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnCancel == nil {
		return false
	}
	s.turnCancel()
	return true
}

// Close stops the worker, cancels in-flight work, moves the context to
// CLOSED and closes the transport. It does not wait for the worker, so it
// is safe to call from inside submitted work.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state.State = StateClosed
		tr := s.transport
		s.transport = nil
		s.mu.Unlock()

		s.stop()
		close(s.done)

		if tr != nil {
			if err := tr.Close(); err != nil {
				s.logger.Debug("transport close", zap.Error(err))
			}
		}
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			s.drain()
			return
		case j := <-s.queue:
			s.exec(j)
		}
	}
}

func (s *Session) exec(j job) {
	defer func() {
		s.pending.Add(-1)
		close(j.done)
	}()
	if s.runCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	s.turnMu.Lock()
	s.turnCancel = cancel
	s.turnMu.Unlock()

	defer func() {
		s.turnMu.Lock()
		s.turnCancel = nil
		s.turnMu.Unlock()
		cancel()
		if r := recover(); r != nil {
			s.logger.Error("session work panicked", zap.Any("panic", r))
		}
	}()

	j.fn(ctx)
}

func (s *Session) drain() {
	for {
		select {
		case j := <-s.queue:
			s.pending.Add(-1)
			close(j.done)
		default:
			return
		}
	}
}

// Info is a read-only view of a session for operators.
type Info struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"client_id"`
	State         State      `json:"state"`
	VADStatus     vad.Status `json:"vad_status"`
	RetryCount    int        `json:"retry_count"`
	HistoryLength int        `json:"history_length"`
	SampleRate    int        `json:"sample_rate"`
	Connected     bool       `json:"connected"`
	Client        ClientInfo `json:"client"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActive    time.Time  `json:"last_active"`
}

// Info returns an operator view of the session.
func (s *Session) Info() Info {
	// The tracker calls back into Emit under its own lock, so read it first.
	status := s.vad.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		ClientID:      s.clientID,
		State:         s.state.State,
		VADStatus:     status,
		RetryCount:    s.state.RetryCount,
		HistoryLength: len(s.state.History),
		SampleRate:    s.state.SampleRate,
		Connected:     s.transport != nil,
		Client:        s.state.Client,
		CreatedAt:     s.state.CreatedAt,
		LastActive:    s.lastActive,
	}
}
