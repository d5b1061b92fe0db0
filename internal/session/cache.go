// Package session holds the working memory: a bounded per-session window of
// recent turns with idle-timeout and capacity eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mnemo/internal/turnlog"
)

var ErrNotFound = errors.New("session not found")

const (
	defaultIdleTimeout = 30 * time.Minute
	defaultWindowTurns = 40
	defaultCapacity    = 1024
)

// state is the cache slot for one session. Writes go through the session's
// ingestion worker only; context builds take the read lock concurrently.
type state struct {
	mu sync.RWMutex

	id         string
	customerID string
	startedAt  time.Time
	lastActive time.Time

	ring    []turnlog.Turn
	next    int
	filled  bool
	lastTID int64

	pendingProposals int
}

// Cache is the bounded working set of concurrently held sessions.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]*state

	idleTimeout time.Duration
	windowTurns int
	capacity    int
	onEvict     func(Evicted)
}

func NewCache(idleTimeout time.Duration, windowTurns, capacity int) *Cache {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if windowTurns <= 0 {
		windowTurns = defaultWindowTurns
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		sessions:    make(map[string]*state),
		idleTimeout: idleTimeout,
		windowTurns: windowTurns,
		capacity:    capacity,
	}
}

// SetEvictHook installs the flush callback run before any session state is
// discarded. Pending preference proposals are lost if the hook does not
// hand them to the consolidation queue.
func (c *Cache) SetEvictHook(hook func(Evicted)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = hook
}

func (c *Cache) WindowCapacity() int { return c.windowTurns }

func (c *Cache) IdleTimeout() time.Duration { return c.idleTimeout }

// Open admits a new session, evicting the oldest-idle session first if the
// global cap is reached.
func (c *Cache) Open(customerID string) Session {
	now := time.Now().UTC()
	st := &state{
		id:         uuid.NewString(),
		customerID: customerID,
		startedAt:  now,
		lastActive: now,
		ring:       make([]turnlog.Turn, c.windowTurns),
	}

	c.mu.Lock()
	var evicted []Evicted
	for len(c.sessions) >= c.capacity {
		victim := c.oldestIdleLocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, c.removeLocked(victim, EvictCapacity))
	}
	c.sessions[st.id] = st
	hook := c.onEvict
	c.mu.Unlock()

	c.fireEvict(hook, evicted)
	return snapshot(st)
}

// Restore installs a session under a known ID and replays its turns into
// the window, used when rebuilding working memory from the turn log after
// a cache loss. An already-held session is returned unchanged.
func (c *Cache) Restore(sessionID, customerID string, turns []turnlog.Turn) Session {
	c.mu.Lock()
	if st, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return snapshot(st)
	}
	c.mu.Unlock()

	now := time.Now().UTC()
	st := &state{
		id:         sessionID,
		customerID: customerID,
		startedAt:  now,
		lastActive: now,
		ring:       make([]turnlog.Turn, c.windowTurns),
	}
	if len(turns) > c.windowTurns {
		turns = turns[len(turns)-c.windowTurns:]
	}
	for _, t := range turns {
		st.ring[st.next] = t.Clone()
		st.next = (st.next + 1) % len(st.ring)
		if st.next == 0 {
			st.filled = true
		}
		st.lastTID = t.TurnID
	}

	c.mu.Lock()
	var evicted []Evicted
	for len(c.sessions) >= c.capacity {
		victim := c.oldestIdleLocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, c.removeLocked(victim, EvictCapacity))
	}
	c.sessions[sessionID] = st
	hook := c.onEvict
	c.mu.Unlock()

	c.fireEvict(hook, evicted)
	return snapshot(st)
}

// Close flushes and removes a session immediately rather than waiting for
// the idle timeout.
func (c *Cache) Close(sessionID string) (Session, error) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return Session{}, ErrNotFound
	}
	ev := c.removeLocked(st, EvictClosed)
	hook := c.onEvict
	c.mu.Unlock()

	c.fireEvict(hook, []Evicted{ev})
	s := snapshot(st)
	s.Status = StatusEnded
	return s, nil
}

// Touch resets the idle-expiry timer.
func (c *Cache) Touch(sessionID string) error {
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.lastActive = time.Now().UTC()
	st.mu.Unlock()
	return nil
}

// Get returns a snapshot of one session.
func (c *Cache) Get(sessionID string) (Session, error) {
	st, err := c.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	return snapshot(st), nil
}

// AppendTurn pushes a turn into the session's ring buffer. Turn IDs must
// arrive in order; the per-session ingestion worker guarantees that.
func (c *Cache) AppendTurn(sessionID string, turn turnlog.Turn) error {
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if turn.TurnID <= st.lastTID {
		return fmt.Errorf("turn %d not after %d: %w", turn.TurnID, st.lastTID, turnlog.ErrDuplicateTurn)
	}
	st.ring[st.next] = turn.Clone()
	st.next = (st.next + 1) % len(st.ring)
	if st.next == 0 {
		st.filled = true
	}
	st.lastTID = turn.TurnID
	st.lastActive = time.Now().UTC()
	return nil
}

// NoteProposal records one not-yet-consolidated preference proposal so the
// evict flush knows there is work to hand over.
func (c *Cache) NoteProposal(sessionID string) error {
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.pendingProposals++
	st.mu.Unlock()
	return nil
}

// ActiveWindow returns the most recent n turns in chronological order
// (n <= window capacity; n <= 0 means the whole window) plus the turn ID
// the window starts at.
func (c *Cache) ActiveWindow(sessionID string, n int) ([]turnlog.Turn, int64, error) {
	st, err := c.lookup(sessionID)
	if err != nil {
		return nil, 0, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	turns := st.windowLocked()
	if n > 0 && n < len(turns) {
		turns = turns[len(turns)-n:]
	}
	out := make([]turnlog.Turn, len(turns))
	var from int64
	for i, t := range turns {
		out[i] = t.Clone()
	}
	if len(out) > 0 {
		from = out[0].TurnID
	}
	return out, from, nil
}

// ReplaceOldestHalf swaps the oldest half of the window for a single
// synthetic system turn carrying the digest text. The synthetic turn takes
// the newest replaced turn's ID so window arithmetic stays monotonic.
func (c *Cache) ReplaceOldestHalf(sessionID, digest string) (bool, error) {
	st, err := c.lookup(sessionID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	turns := st.windowLocked()
	if len(turns) < 2 {
		return false, nil
	}
	half := len(turns) / 2
	synthetic := turnlog.Turn{
		TurnID:    turns[half-1].TurnID,
		SessionID: sessionID,
		Timestamp: turns[half-1].Timestamp,
		Speaker:   turnlog.SpeakerSystem,
		Text:      digest,
		Intent:    "window_digest",
	}
	rebuilt := append([]turnlog.Turn{synthetic}, turns[half:]...)

	for i := range st.ring {
		st.ring[i] = turnlog.Turn{}
	}
	st.next = 0
	st.filled = false
	for _, t := range rebuilt {
		st.ring[st.next] = t
		st.next = (st.next + 1) % len(st.ring)
		if st.next == 0 {
			st.filled = true
		}
	}
	return true, nil
}

// ActiveCount reports how many sessions are currently held.
func (c *Cache) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// StartJanitor evicts idle sessions on a fixed interval until ctx ends.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictIdle()
			}
		}
	}()
}

func (c *Cache) evictIdle() {
	now := time.Now().UTC()

	c.mu.Lock()
	var evicted []Evicted
	for _, st := range c.sessions {
		st.mu.RLock()
		idle := now.Sub(st.lastActive)
		st.mu.RUnlock()
		if idle >= c.idleTimeout {
			evicted = append(evicted, c.removeLocked(st, EvictIdle))
		}
	}
	hook := c.onEvict
	c.mu.Unlock()

	c.fireEvict(hook, evicted)
}

// oldestIdleLocked picks the capacity-eviction victim: idle-expired
// sessions first, then the oldest-idle among active ones.
func (c *Cache) oldestIdleLocked() *state {
	var all []*state
	for _, st := range c.sessions {
		all = append(all, st)
	}
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastActive.Before(all[j].lastActive)
	})
	return all[0]
}

func (c *Cache) removeLocked(st *state, reason EvictReason) Evicted {
	delete(c.sessions, st.id)
	st.mu.Lock()
	pending := st.pendingProposals
	st.pendingProposals = 0
	st.mu.Unlock()
	return Evicted{
		SessionID:        st.id,
		CustomerID:       st.customerID,
		Reason:           reason,
		PendingProposals: pending,
	}
}

// fireEvict runs the flush hook outside the cache lock. Eviction is not
// cancellable once started so the flush always happens.
func (c *Cache) fireEvict(hook func(Evicted), evicted []Evicted) {
	if hook == nil {
		return
	}
	for _, ev := range evicted {
		hook(ev)
	}
}

func (c *Cache) lookup(sessionID string) (*state, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

// windowLocked returns the ring contents in chronological order. Caller
// holds at least the read lock.
func (st *state) windowLocked() []turnlog.Turn {
	if !st.filled {
		return st.ring[:st.next]
	}
	out := make([]turnlog.Turn, 0, len(st.ring))
	out = append(out, st.ring[st.next:]...)
	out = append(out, st.ring[:st.next]...)
	return out
}

func snapshot(st *state) Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	count := st.next
	if st.filled {
		count = len(st.ring)
	}
	return Session{
		ID:             st.id,
		CustomerID:     st.customerID,
		Status:         StatusActive,
		TurnCount:      count,
		LastTurnID:     st.lastTID,
		StartedAt:      st.startedAt,
		LastActivityAt: st.lastActive,
	}
}
