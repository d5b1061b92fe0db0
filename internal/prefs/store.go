package prefs

import (
	"context"
	"strings"
)

// Store is the durable per-customer preference repository. Turn ingestion
// only ever proposes; the active pointer per (customer, attribute) is
// mutated exclusively by the Consolidator.
type Store interface {
	// Propose persists a new preference with status active. Multiple
	// actives per attribute may coexist until the next consolidation run.
	Propose(ctx context.Context, p Preference) (string, error)

	// GetActive returns all active preferences for a customer.
	GetActive(ctx context.Context, customerID string) ([]Preference, error)

	// Update rewrites an existing preference (status/confidence changes
	// produced by consolidation).
	Update(ctx context.Context, p Preference) error

	// Erase hard-deletes every preference for a customer. Reserved for
	// explicit data-erasure requests.
	Erase(ctx context.Context, customerID string) error

	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
