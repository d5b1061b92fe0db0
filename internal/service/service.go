// Package service orchestrates the per-turn control flow: annotated
// message in, entity registry update, turn append, cache touch, preference
// proposals out. Ingestion is serialized per session and parallel across
// sessions; context builds run concurrently with ingestion.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/mnemo/internal/entity"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/retriever"
	"github.com/ent0n29/mnemo/internal/session"
	"github.com/ent0n29/mnemo/internal/turnlog"
	"github.com/ent0n29/mnemo/internal/window"
)

var (
	ErrSessionNotFound = session.ErrNotFound
	ErrClosed          = errors.New("service is shut down")
)

// AppendRequest is one annotated incoming message. A non-zero TurnID makes
// the append an idempotent retry.
type AppendRequest struct {
	SessionID   string                        `json:"session_id"`
	TurnID      int64                         `json:"turn_id,omitempty"`
	Speaker     turnlog.Speaker               `json:"speaker"`
	Text        string                        `json:"text"`
	Intent      string                        `json:"intent,omitempty"`
	Entities    []turnlog.ExtractedEntity     `json:"entities,omitempty"`
	Preferences []turnlog.ExtractedPreference `json:"preferences,omitempty"`
}

// AppendResult reports what ingestion did with the request.
type AppendResult struct {
	TurnID          int64  `json:"turn_id"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	DroppedEntities int    `json:"dropped_entities,omitempty"`
	ProposalErrors  int    `json:"proposal_errors,omitempty"`
	WindowDigest    string `json:"window_digest,omitempty"`
}

type Service struct {
	turns        turnlog.Store
	prefStore    prefs.Store
	consolidator *prefs.Consolidator
	cache        *session.Cache
	registry     *entity.Registry
	retriever    *retriever.Retriever
	windows      *window.Manager
	index        *retriever.InvertedIndex
	metrics      *observability.Metrics

	mu          sync.Mutex
	closed      bool
	workers     map[string]*worker
	customerOf  map[string]string
	subscribers map[string]map[int]chan Event
	nextSubID   int
}

func New(
	turns turnlog.Store,
	prefStore prefs.Store,
	consolidator *prefs.Consolidator,
	cache *session.Cache,
	registry *entity.Registry,
	rtv *retriever.Retriever,
	windows *window.Manager,
	index *retriever.InvertedIndex,
	metrics *observability.Metrics,
) *Service {
	s := &Service{
		turns:        turns,
		prefStore:    prefStore,
		consolidator: consolidator,
		cache:        cache,
		registry:     registry,
		retriever:    rtv,
		windows:      windows,
		index:        index,
		metrics:      metrics,
		workers:      make(map[string]*worker),
		customerOf:   make(map[string]string),
		subscribers:  make(map[string]map[int]chan Event),
	}

	cache.SetEvictHook(s.onEvict)
	consolidator.SetRunHook(func(customerID string, superseded int) {
		if metrics != nil {
			metrics.ConsolidationRuns.WithLabelValues("ok").Inc()
			metrics.PrefsSuperseded.Add(float64(superseded))
		}
		s.publishForCustomer(customerID, Event{
			Type:       EventConsolidated,
			CustomerID: customerID,
			Detail:     "consolidation run complete",
		})
	})
	return s
}

// OpenSession admits a new session for a customer and starts its
// ingestion worker.
func (s *Service) OpenSession(customerID string) (session.Session, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		customerID = "anonymous"
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.Session{}, ErrClosed
	}
	s.mu.Unlock()

	sess := s.cache.Open(customerID)

	s.mu.Lock()
	s.customerOf[sess.ID] = customerID
	s.workers[sess.ID] = newWorker(s, sess.ID, customerID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("opened").Inc()
		s.metrics.ActiveSessions.Set(float64(s.cache.ActiveCount()))
	}
	s.publish(sess.ID, Event{Type: EventSessionOpened, SessionID: sess.ID, CustomerID: customerID})
	return sess, nil
}

// CloseSession flushes the session immediately rather than waiting for the
// idle timeout. Consolidation for the customer is kicked off asynchronously
// by the evict hook.
func (s *Service) CloseSession(sessionID string) (session.Session, error) {
	return s.cache.Close(sessionID)
}

// RehydrateSession rebuilds working memory for a session from the turn
// log, used on cold start when the cache and registry were lost.
func (s *Service) RehydrateSession(ctx context.Context, sessionID, customerID string) (session.Session, error) {
	turns, err := s.turns.Range(ctx, sessionID, 0, 0)
	if err != nil {
		return session.Session{}, err
	}

	sess := s.cache.Restore(sessionID, customerID, turns)
	s.registry.Rebuild(sessionID, turns)

	s.mu.Lock()
	s.customerOf[sessionID] = customerID
	if _, ok := s.workers[sessionID]; !ok {
		s.workers[sessionID] = newWorker(s, sessionID, customerID)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("rehydrated").Inc()
		s.metrics.ActiveSessions.Set(float64(s.cache.ActiveCount()))
	}
	return sess, nil
}

// AppendTurn runs the ingest pipeline for one message on the session's
// worker, blocking until the turn is durable or ctx ends.
func (s *Service) AppendTurn(ctx context.Context, req AppendRequest) (AppendResult, error) {
	s.mu.Lock()
	w, ok := s.workers[req.SessionID]
	s.mu.Unlock()
	if !ok {
		return AppendResult{}, ErrSessionNotFound
	}
	return w.submit(ctx, req)
}

// BuildContext assembles a bounded context view. It performs no writes and
// may be cancelled freely.
func (s *Service) BuildContext(ctx context.Context, sessionID string, hint retriever.Hint, budget int) (retriever.ContextView, error) {
	if hint.CustomerID == "" {
		s.mu.Lock()
		hint.CustomerID = s.customerOf[sessionID]
		s.mu.Unlock()
	}

	start := time.Now()
	view, err := s.retriever.BuildContext(ctx, sessionID, hint, s.windows.ClampBudget(budget))
	if s.metrics != nil {
		s.metrics.ObserveContextBuild(time.Since(start))
		if view.Truncated {
			s.metrics.ContextTruncations.Inc()
		}
		if view.SimilaritySkipped {
			s.metrics.SimilaritySkips.Inc()
		}
	}
	return view, err
}

// ResolveReference maps a text span in the upcoming turn to a tracked
// entity of the session.
func (s *Service) ResolveReference(sessionID, span string) (entity.Mention, error) {
	sess, err := s.cache.Get(sessionID)
	if err != nil {
		return entity.Mention{}, err
	}
	id, err := s.registry.ResolveReference(sessionID, sess.LastTurnID+1, span)
	if err != nil {
		return entity.Mention{}, err
	}
	m, ok := s.registry.Lookup(sessionID, id)
	if !ok {
		return entity.Mention{}, entity.ErrNotFound
	}
	return m, nil
}

// ProposePreference writes one preference proposal. This operation is
// allowed to fail visibly when the store is down.
func (s *Service) ProposePreference(ctx context.Context, p prefs.Preference) (string, error) {
	id, err := s.prefStore.Propose(ctx, p)
	if err != nil {
		return "", err
	}
	s.consolidator.MarkPending(p.CustomerID)
	if p.SessionID != "" {
		_ = s.cache.NoteProposal(p.SessionID)
	}
	if s.metrics != nil {
		s.metrics.ProposalsTotal.WithLabelValues(string(p.Source)).Inc()
	}
	s.publishForCustomer(p.CustomerID, Event{
		Type:       EventPreferenceProposed,
		SessionID:  p.SessionID,
		CustomerID: p.CustomerID,
		Detail:     p.Attribute,
	})
	return id, nil
}

// ActivePreferences returns the customer's consolidated preferences.
func (s *Service) ActivePreferences(ctx context.Context, customerID string) ([]prefs.Preference, error) {
	return s.prefStore.GetActive(ctx, customerID)
}

// Consolidate forces a consolidation run for a customer.
func (s *Service) Consolidate(ctx context.Context, customerID string) error {
	start := time.Now()
	err := s.consolidator.Consolidate(ctx, customerID)
	if s.metrics != nil {
		s.metrics.ObserveStage(observability.StageConsolidate, time.Since(start))
		if err != nil {
			s.metrics.ConsolidationRuns.WithLabelValues("error").Inc()
		}
	}
	return err
}

// EraseCustomer hard-deletes a customer's preferences on an explicit
// data-erasure request.
func (s *Service) EraseCustomer(ctx context.Context, customerID string) error {
	return s.prefStore.Erase(ctx, customerID)
}

// ArchiveSession moves a closed session's turns to cold storage.
func (s *Service) ArchiveSession(ctx context.Context, sessionID string) error {
	return s.turns.ArchiveSession(ctx, sessionID)
}

// SummarizeWindow forces window compaction for a session, returning the
// digest or "" when the window is under the threshold.
func (s *Service) SummarizeWindow(sessionID string) (string, error) {
	return s.windows.SummarizeWindow(sessionID)
}

// Session returns a snapshot of one cached session.
func (s *Service) Session(sessionID string) (session.Session, error) {
	return s.cache.Get(sessionID)
}

// Shutdown stops accepting sessions and flushes every held session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_, _ = s.cache.Close(id)
	}
}

// onEvict is the cache flush hook: route pending proposals to the
// consolidation queue, tear down per-session state, and announce the
// eviction. This runs for close, idle timeout, and capacity eviction
// alike and is never skipped.
func (s *Service) onEvict(ev session.Evicted) {
	s.consolidator.MarkPending(ev.CustomerID)
	go func() {
		_ = s.consolidator.Consolidate(context.Background(), ev.CustomerID)
	}()

	s.registry.EndSession(ev.SessionID)

	s.mu.Lock()
	w := s.workers[ev.SessionID]
	delete(s.workers, ev.SessionID)
	delete(s.customerOf, ev.SessionID)
	s.mu.Unlock()
	if w != nil {
		w.stop()
	}

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(string(ev.Reason)).Inc()
		s.metrics.ActiveSessions.Set(float64(s.cache.ActiveCount()))
	}
	s.publish(ev.SessionID, Event{
		Type:       EventSessionEvicted,
		SessionID:  ev.SessionID,
		CustomerID: ev.CustomerID,
		Detail:     string(ev.Reason),
	})
}
