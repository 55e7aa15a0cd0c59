package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-voicedesk/pkg/voice"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQL is a Store backed by database/sql.
type SQL struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects to the database named by driver and dsn. For SQLite the
// parent directory of dsn is created if needed.
func Open(driver, dsn string, logger *zap.Logger) (*SQL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer avoids SQLITE_BUSY under concurrent turns
		db.SetMaxOpenConns(1)
	}

	return &SQL{
		db:     db,
		driver: driver,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// Migrate applies all pending schema migrations.
func (s *SQL) Migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	if s.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	for _, r := range results {
		s.logger.Info("applied migration", zap.String("source", r.Source.Path), zap.Duration("took", r.Duration))
	}
	return nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// LogTurn inserts the session row if missing and appends the interaction.
// A turn from a call that started after the row was finalized reopens the
// row with the new start time, since session ids repeat per caller.
func (s *SQL) LogTurn(ctx context.Context, rec voice.TurnRecord) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("store: marshal context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, client_id, start_time) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET start_time = excluded.start_time, end_time = NULL, duration_seconds = NULL
		 WHERE sessions.end_time IS NOT NULL AND excluded.start_time >= sessions.end_time`),
		rec.SessionID, rec.ClientID, startTime(rec).UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO interactions (id, session_id, customer_text, ai_response, context, sentiment_score, voice_model_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), rec.SessionID, rec.CustomerText, rec.AIResponse, string(ctxJSON),
		sentimentScore(rec.Sentiment), rec.Voice, rec.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: insert interaction: %w", err)
	}

	return tx.Commit()
}

// FinalizeSession stamps the end time and duration. Already finalized or
// unknown sessions are left untouched.
func (s *SQL) FinalizeSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	end := endedAt.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET end_time = ?, duration_seconds = (? - start_time) / 1000 WHERE id = ? AND end_time IS NULL`),
		end, end, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: finalize session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("no session row to finalize", zap.String("session", sessionID))
	}
	return nil
}

// Session returns the session row for id.
func (s *SQL) Session(ctx context.Context, id string) (Session, error) {
	var (
		sess     Session
		start    int64
		end, dur sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, client_id, start_time, end_time, duration_seconds FROM sessions WHERE id = ?`), id,
	).Scan(&sess.ID, &sess.ClientID, &start, &end, &dur)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: query session: %w", err)
	}

	sess.StartTime = time.UnixMilli(start).UTC()
	if end.Valid {
		t := time.UnixMilli(end.Int64).UTC()
		sess.EndTime = &t
	}
	if dur.Valid {
		sess.Duration = time.Duration(dur.Int64) * time.Second
	}
	return sess, nil
}

const interactionColumns = `id, session_id, customer_text, ai_response, context, sentiment_score, voice_model_used, created_at`

// Interactions returns the most recent interactions, newest first.
func (s *SQL) Interactions(ctx context.Context, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+interactionColumns+` FROM interactions ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query interactions: %w", err)
	}
	return scanInteractions(rows)
}

// SessionInteractions returns a session's interactions, newest first.
func (s *SQL) SessionInteractions(ctx context.Context, sessionID string) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+interactionColumns+` FROM interactions WHERE session_id = ? ORDER BY created_at DESC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query interactions: %w", err)
	}
	return scanInteractions(rows)
}

func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			in        Interaction
			ctxJSON   string
			sentiment sql.NullFloat64
			created   int64
		)
		if err := rows.Scan(&in.ID, &in.SessionID, &in.CustomerText, &in.AIResponse,
			&ctxJSON, &sentiment, &in.VoiceModel, &created); err != nil {
			return nil, fmt.Errorf("store: scan interaction: %w", err)
		}
		if ctxJSON != "" && ctxJSON != "null" {
			if err := json.Unmarshal([]byte(ctxJSON), &in.Context); err != nil {
				return nil, fmt.Errorf("store: decode context: %w", err)
			}
		}
		if sentiment.Valid {
			v := sentiment.Float64
			in.SentimentScore = &v
		}
		in.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Verify SQL implements Store at compile time.
var _ Store = (*SQL)(nil)
