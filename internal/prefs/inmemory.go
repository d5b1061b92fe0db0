package prefs

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InMemoryStore keeps preferences in process memory for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	byCustomer map[string][]Preference
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byCustomer: make(map[string][]Preference)}
}

func (s *InMemoryStore) Propose(_ context.Context, p Preference) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.byCustomer[p.CustomerID] = append(s.byCustomer[p.CustomerID], p)
	return p.ID, nil
}

func (s *InMemoryStore) GetActive(_ context.Context, customerID string) ([]Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Preference
	for _, p := range s.byCustomer[customerID] {
		if p.Status == StatusActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, p Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	arr := s.byCustomer[p.CustomerID]
	for i := range arr {
		if arr[i].ID == p.ID {
			arr[i] = p
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) Erase(_ context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byCustomer, customerID)
	return nil
}

// All returns every preference for a customer, any status. Test/audit hook.
func (s *InMemoryStore) All(customerID string) []Preference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Preference(nil), s.byCustomer[customerID]...)
}

func (s *InMemoryStore) Close() error { return nil }
