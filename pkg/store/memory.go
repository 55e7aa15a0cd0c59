package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Memory is an in-process Store.
type Memory struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	interactions []Interaction
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Session)}
}

// LogTurn records rec. A turn from a call that started after the session
// was finalized reopens it.
func (m *Memory) LogTurn(ctx context.Context, rec voice.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := startTime(rec).UTC()
	if s, ok := m.sessions[rec.SessionID]; !ok || (s.EndTime != nil && !start.Before(*s.EndTime)) {
		m.sessions[rec.SessionID] = Session{
			ID:        rec.SessionID,
			ClientID:  rec.ClientID,
			StartTime: start,
		}
	}
	m.interactions = append(m.interactions, Interaction{
		ID:             uuid.NewString(),
		SessionID:      rec.SessionID,
		CustomerText:   rec.CustomerText,
		AIResponse:     rec.AIResponse,
		Context:        rec.Context,
		SentimentScore: sentimentScore(rec.Sentiment),
		VoiceModel:     rec.Voice,
		Timestamp:      rec.Timestamp.UTC(),
	})
	return nil
}

// FinalizeSession stamps the end time of a known, open session.
func (m *Memory) FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.EndTime != nil {
		return nil
	}
	end := endedAt.UTC()
	s.EndTime = &end
	s.Duration = end.Sub(s.StartTime).Truncate(time.Second)
	m.sessions[sessionID] = s
	return nil
}

// Session returns the session row for id.
func (m *Memory) Session(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Interactions returns the most recent interactions, newest first.
func (m *Memory) Interactions(ctx context.Context, limit int) ([]Interaction, error) {
	m.mu.RLock()
	out := append([]Interaction(nil), m.interactions...)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SessionInteractions returns a session's interactions, newest first.
func (m *Memory) SessionInteractions(ctx context.Context, sessionID string) ([]Interaction, error) {
	m.mu.RLock()
	var out []Interaction
	for _, in := range m.interactions {
		if in.SessionID == sessionID {
			out = append(out, in)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Verify Memory implements Store at compile time.
var _ Store = (*Memory)(nil)
