// Package store persists sessions and their transcripts to Postgres. Writes
// happen inline on the session's turn path, so every method keeps to a single
// round trip.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vivavoce/viva/pkg/exam/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveSession upserts the session record. The orchestrator calls this on
// every phase or status change.
func (s *Store) SaveSession(ctx context.Context, sess types.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, phase, tier_in_use, status, started_at, phase_entered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			tier_in_use = EXCLUDED.tier_in_use,
			status = EXCLUDED.status,
			phase_entered_at = EXCLUDED.phase_entered_at,
			updated_at = now()`,
		sess.ID, string(sess.Phase), string(sess.TierInUse), string(sess.Status),
		sess.StartedAt, sess.PhaseEnteredAt)
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.ID, err)
	}
	return nil
}

// SaveTurn appends one turn. The (session_id, idx) primary key makes retried
// writes of the same turn harmless.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turns (session_id, idx, speaker, text, tier_used, directive, directive_reason,
			estimated_cost, speech_duration_ms, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, idx) DO NOTHING`,
		sessionID, turn.Index, string(turn.Speaker), turn.Text, string(turn.TierUsed),
		string(turn.Moderation.Directive), turn.Moderation.Reason,
		turn.EstimatedCost, turn.SpeechDuration.Milliseconds(), turn.At)
	if err != nil {
		return fmt.Errorf("store: save turn %s/%d: %w", sessionID, turn.Index, err)
	}
	return nil
}

// Session loads one session record.
func (s *Store) Session(ctx context.Context, id string) (types.Session, error) {
	var (
		sess                    types.Session
		phase, tier, status     string
		startedAt, phaseEntered time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, phase, tier_in_use, status, started_at, phase_entered_at
		FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &phase, &tier, &status, &startedAt, &phaseEntered)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("store: load session %s: %w", id, err)
	}
	sess.Phase = types.Phase(phase)
	sess.TierInUse = types.Tier(tier)
	sess.Status = types.Status(status)
	sess.StartedAt = startedAt
	sess.PhaseEnteredAt = phaseEntered
	return sess, nil
}

// Transcript loads the ordered turns for a session.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]types.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, speaker, text, tier_used, directive, directive_reason,
			estimated_cost, speech_duration_ms, at
		FROM turns WHERE session_id = $1 ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load transcript %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.Turn
	for rows.Next() {
		var (
			turn                      types.Turn
			speaker, tier, directive  string
			reason                    string
			speechMS                  int64
		)
		if err := rows.Scan(&turn.Index, &speaker, &turn.Text, &tier, &directive, &reason,
			&turn.EstimatedCost, &speechMS, &turn.At); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		turn.Speaker = types.Speaker(speaker)
		turn.TierUsed = types.Tier(tier)
		turn.Moderation = types.Moderation{Directive: types.Directive(directive), Reason: reason}
		turn.SpeechDuration = time.Duration(speechMS) * time.Millisecond
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate transcript %s: %w", sessionID, err)
	}
	return out, nil
}
