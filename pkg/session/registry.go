// Package session owns live call sessions: their lifecycle state machine,
// conversation context, per-session work queue and the registry that maps
// caller identities to sessions.
package session

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/vad"
)

// DefaultKeyPrefix is prepended to a client id to form its session id.
const DefaultKeyPrefix = "ssid_"

// Params describe a new session.
type Params struct {
	SampleRate int
	Client     ClientInfo
	Transport  Transport
}

// Hooks observe registry events. All fields are optional.
type Hooks struct {
	Created    func(s *Session)
	Closed     func(s *Session, reason string)
	VADChanged func(from, to vad.Status)
}

type expiry struct {
	timer *time.Timer
	gen   uint64
}

// Registry is the table of live sessions and their expiry timers.
// It is the only state shared between sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timers   map[string]*expiry
	gen      uint64

	prefix    string
	queueSize int
	logger    *zap.Logger
	now       func() time.Time
	hooks     Hooks
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithKeyPrefix overrides the session id prefix.
func WithKeyPrefix(p string) Option {
	return func(r *Registry) { r.prefix = p }
}

// WithQueueSize sets the per-session work queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHooks installs event observers.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*Session),
		timers:    make(map[string]*expiry),
		prefix:    DefaultKeyPrefix,
		queueSize: 64,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "session.registry"))
	return r
}

// Key derives the session id for a client id.
func (r *Registry) Key(clientID string) string {
	return r.prefix + clientID
}

// Create returns the live session for clientID, creating it if absent.
// The boolean reports whether a new session was created. An existing
// session is returned unchanged; its transport is not replaced.
func (r *Registry) Create(clientID string, p Params) (*Session, bool, error) {
	if clientID == "" {
		return nil, false, ErrInvalidClientID
	}
	id := r.Key(clientID)

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	s := newSession(id, clientID, p, r)
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created", zap.String("session_id", id), zap.Int("sessions", n))
	if r.hooks.Created != nil {
		r.hooks.Created(s)
	}
	return s, true, nil
}

// Get returns the session for id. A missing id is not an error.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Close removes the session, cancels its expiry timer and closes it.
// Closing an unknown id is a logged no-op that reports false.
func (r *Registry) Close(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.stopTimerLocked(id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("close of unknown session", zap.String("session_id", id), zap.String("reason", reason))
		return false
	}

	s.Close()
	r.logger.Info("session closed",
		zap.String("session_id", id),
		zap.String("reason", reason),
		zap.Int("sessions", n),
	)
	if r.hooks.Closed != nil {
		r.hooks.Closed(s, reason)
	}
	return true
}

// IDs returns the ids of all live sessions in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Sessions returns all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ArmExpiry schedules fn(id) after d, replacing any timer already armed
// for id. It reports false when id is not live.
func (r *Registry) ArmExpiry(id string, d time.Duration, fn func(id string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	r.stopTimerLocked(id)

	r.gen++
	gen := r.gen
	e := &expiry{gen: gen}
	e.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		cur, ok := r.timers[id]
		if !ok || cur.gen != gen {
			r.mu.Unlock()
			return
		}
		delete(r.timers, id)
		r.mu.Unlock()

		fn(id)
	})
	r.timers[id] = e
	return true
}

// CancelExpiry cancels the timer armed for id, if any.
func (r *Registry) CancelExpiry(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopTimerLocked(id)
}

// ExpiryArmed reports whether a timer is pending for id.
func (r *Registry) ExpiryArmed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.timers[id]
	return ok
}

// CloseAll closes every live session.
func (r *Registry) CloseAll(reason string) {
	for _, id := range r.IDs() {
		r.Close(id, reason)
	}
}

func (r *Registry) stopTimerLocked(id string) bool {
	e, ok := r.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, id)
	return true
}
