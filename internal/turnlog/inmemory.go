package turnlog

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps the turn log in process memory for local/dev use and
// tests. Archived sessions move to a separate map so Range no longer sees
// them, mirroring the cold-storage split of the postgres store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
	archived map[string][]Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string][]Turn),
		archived: make(map[string][]Turn),
	}
}

func (s *InMemoryStore) Append(_ context.Context, turn Turn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[turn.SessionID]
	var last int64
	if len(log) > 0 {
		last = log[len(log)-1].TurnID
	}

	switch {
	case turn.TurnID == 0:
		turn.TurnID = last + 1
	case turn.TurnID <= last:
		return 0, ErrDuplicateTurn
	case turn.TurnID != last+1:
		return 0, ErrTurnGap
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	s.sessions[turn.SessionID] = append(log, turn.Clone())
	return turn.TurnID, nil
}

func (s *InMemoryStore) Range(_ context.Context, sessionID string, from, to int64) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if from <= 0 {
		from = 1
	}

	out := make([]Turn, 0, len(log))
	for _, t := range log {
		if t.TurnID < from {
			continue
		}
		if to > 0 && t.TurnID > to {
			break
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) ArchiveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.archived[sessionID] = append(s.archived[sessionID], log...)
	delete(s.sessions, sessionID)
	return nil
}

// ArchivedCount reports archived turns for a session. Test/diagnostic hook.
func (s *InMemoryStore) ArchivedCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archived[sessionID])
}

func (s *InMemoryStore) Close() error { return nil }
