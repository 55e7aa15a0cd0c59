// Package store persists call sessions and their turns.
//
// SQL is backed by database/sql and works against SQLite (modernc.org/sqlite)
// or PostgreSQL (pgx). Schema changes are embedded goose migrations applied
// by Migrate. Memory is an in-process implementation for tests and for
// running without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

// Sentinel errors for the store package.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMemory   = "memory"
)

// Session is a persisted call session row.
type Session struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"client_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Duration  time.Duration `json:"-"`
}

// DurationSeconds returns the stored call length.
func (s Session) DurationSeconds() int64 {
	return int64(s.Duration / time.Second)
}

// Interaction is one persisted caller/agent exchange.
type Interaction struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	CustomerText   string         `json:"customer_text"`
	AIResponse     string         `json:"ai_response"`
	Context        map[string]any `json:"context"`
	SentimentScore *float64       `json:"sentiment_score,omitempty"`
	VoiceModel     string         `json:"voice_model_used"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Store records turns and answers history queries.
type Store interface {
	voice.Recorder

	// Session returns the session row for id.
	Session(ctx context.Context, id string) (Session, error)

	// Interactions returns the most recent interactions, newest first.
	Interactions(ctx context.Context, limit int) ([]Interaction, error)

	// SessionInteractions returns a session's interactions, newest first.
	SessionInteractions(ctx context.Context, sessionID string) ([]Interaction, error)

	Close() error
}

func sentimentScore(s *voice.Sentiment) *float64 {
	if s == nil {
		return nil
	}
	v := s.Score
	return &v
}

func startTime(rec voice.TurnRecord) time.Time {
	if rec.StartedAt.IsZero() {
		return rec.Timestamp
	}
	return rec.StartedAt
}
