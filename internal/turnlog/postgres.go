package turnlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the turn log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTurnSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTurnSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			turn_id BIGINT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			entities JSONB NOT NULL DEFAULT '[]',
			preferences JSONB NOT NULL DEFAULT '[]',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (session_id, turn_id)
		);`,
		`CREATE TABLE IF NOT EXISTS turns_archive (
			LIKE turns INCLUDING ALL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init turn schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, turn Turn) (int64, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	entities, err := json.Marshal(turn.Entities)
	if err != nil {
		return 0, fmt.Errorf("marshal entities: %w", err)
	}
	prefs, err := json.Marshal(turn.Preferences)
	if err != nil {
		return 0, fmt.Errorf("marshal preferences: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var last int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) FROM turns WHERE session_id=$1`,
		turn.SessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("%w: last turn id: %v", ErrStoreUnavailable, err)
	}
	switch {
	case turn.TurnID == 0:
		turn.TurnID = last + 1
	case turn.TurnID <= last:
		return 0, ErrDuplicateTurn
	case turn.TurnID != last+1:
		return 0, ErrTurnGap
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO turns (session_id, turn_id, ts, speaker, content, intent, entities, preferences, pii_redacted)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		turn.SessionID,
		turn.TurnID,
		turn.Timestamp,
		string(turn.Speaker),
		turn.Text,
		turn.Intent,
		entities,
		prefs,
		turn.PIIRedacted,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateTurn
		}
		return 0, fmt.Errorf("%w: insert turn: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return turn.TurnID, nil
}

func (s *PostgresStore) Range(ctx context.Context, sessionID string, from, to int64) ([]Turn, error) {
	if from <= 0 {
		from = 1
	}
	query := `SELECT turn_id, ts, speaker, content, intent, entities, preferences, pii_redacted
		 FROM turns WHERE session_id=$1 AND turn_id >= $2`
	args := []any{sessionID, from}
	if to > 0 {
		query += ` AND turn_id <= $3`
		args = append(args, to)
	}
	query += ` ORDER BY turn_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query turns: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t              Turn
			speaker        string
			entities, prfs []byte
		)
		t.SessionID = sessionID
		if err := rows.Scan(&t.TurnID, &t.Timestamp, &speaker, &t.Text, &t.Intent, &entities, &prfs, &t.PIIRedacted); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Speaker = Speaker(speaker)
		if err := json.Unmarshal(entities, &t.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
		if err := json.Unmarshal(prfs, &t.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal preferences: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate turn rows: %v", ErrStoreUnavailable, err)
	}
	if out == nil {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

func (s *PostgresStore) ArchiveSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO turns_archive SELECT * FROM turns WHERE session_id=$1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: copy to archive: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM turns WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("%w: delete archived turns: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
