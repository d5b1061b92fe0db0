package turnlog

import (
	"context"
	"strings"
)

// Store is the append-only log of conversational turns. Turns are never
// updated or deleted individually; closed sessions are archived wholesale.
type Store interface {
	// Append persists a turn. A zero TurnID asks the store to assign the
	// next sequential ID for the session; a non-zero TurnID is an
	// idempotent client-chosen ID and yields ErrDuplicateTurn on replay.
	Append(ctx context.Context, turn Turn) (int64, error)

	// Range returns turns with from <= TurnID <= to in TurnID order.
	// A zero `to` means "through the latest turn".
	Range(ctx context.Context, sessionID string, from, to int64) ([]Turn, error)

	// ArchiveSession moves a closed session's turns to cold storage.
	ArchiveSession(ctx context.Context, sessionID string) error

	Close() error
}

// NewStore creates a postgres-backed log when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
