package prefs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore persists customer preferences in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPrefSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPrefSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS preferences (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			sentiment TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_preferences_customer_status ON preferences (customer_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_preferences_customer_attribute ON preferences (customer_id, attribute);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init preference schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Propose(ctx context.Context, p Preference) (string, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	p.Status = StatusActive

	_, err := s.pool.Exec(ctx,
		`INSERT INTO preferences (id, customer_id, session_id, category, attribute, value, sentiment,
			confidence, strength, source, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.CustomerID, p.SessionID, p.Category, p.Attribute, p.Value, p.Sentiment,
		p.Confidence, p.Strength, string(p.Source), string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert preference: %v", ErrStoreUnavailable, err)
	}
	return p.ID, nil
}

func (s *PostgresStore) GetActive(ctx context.Context, customerID string) ([]Preference, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, session_id, category, attribute, value, sentiment,
			confidence, strength, source, status, created_at, updated_at
		 FROM preferences WHERE customer_id=$1 AND status=$2 ORDER BY attribute, updated_at DESC`,
		customerID, string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query active preferences: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var (
			p              Preference
			source, status string
		)
		if err := rows.Scan(&p.ID, &p.CustomerID, &p.SessionID, &p.Category, &p.Attribute, &p.Value,
			&p.Sentiment, &p.Confidence, &p.Strength, &source, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan preference row: %w", err)
		}
		p.Source = Source(source)
		p.Status = Status(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate preference rows: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, p Preference) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE preferences SET value=$2, sentiment=$3, confidence=$4, strength=$5,
			source=$6, status=$7, updated_at=$8 WHERE id=$1`,
		p.ID, p.Value, p.Sentiment, p.Confidence, p.Strength,
		string(p.Source), string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: update preference: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Erase(ctx context.Context, customerID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM preferences WHERE customer_id=$1`, customerID); err != nil {
		return fmt.Errorf("%w: erase preferences: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
