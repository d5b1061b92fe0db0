package prefs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/mnemo/internal/reliability"
)

const (
	defaultSweepInterval = 10 * time.Minute
	sweepConcurrency     = 4
	consolidateAttempts  = 3
	retryBase            = 200 * time.Millisecond
	retryCap             = 2 * time.Second
)

// Consolidator merges, deduplicates, and conflict-resolves proposed
// preferences so that at most one preference per (customer, attribute) is
// active. It runs off the turn path: on session-end flush and on a periodic
// sweep over customers with pending proposals.
type Consolidator struct {
	store Store

	mu      sync.Mutex
	pending map[string]struct{}
	leases  map[string]struct{}
	onRun   func(customerID string, superseded int)

	cron     *cron.Cron
	interval time.Duration
}

func NewConsolidator(store Store, sweepInterval time.Duration) *Consolidator {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Consolidator{
		store:    store,
		pending:  make(map[string]struct{}),
		leases:   make(map[string]struct{}),
		interval: sweepInterval,
	}
}

// SetRunHook installs a callback invoked after every completed
// consolidation run, with the number of preferences superseded.
func (c *Consolidator) SetRunHook(hook func(customerID string, superseded int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRun = hook
}

// MarkPending queues a customer for the next sweep.
func (c *Consolidator) MarkPending(customerID string) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[customerID] = struct{}{}
}

// PendingCount reports how many customers await consolidation.
func (c *Consolidator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start schedules the periodic sweep until ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	c.cron = cron.New()
	c.cron.Schedule(cron.Every(c.interval), cron.FuncJob(func() {
		_ = c.Sweep(ctx)
	}))
	c.cron.Start()

	go func() {
		<-ctx.Done()
		c.cron.Stop()
	}()
}

// Sweep consolidates every customer with pending proposals, a few in
// parallel. Customers whose run fails stay pending for the next sweep.
func (c *Consolidator) Sweep(ctx context.Context) error {
	c.mu.Lock()
	customers := make([]string, 0, len(c.pending))
	for id := range c.pending {
		customers = append(customers, id)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range customers {
		id := id
		g.Go(func() error {
			if err := c.Consolidate(gctx, id); err != nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Consolidate runs conflict resolution for one customer. A per-customer
// lease guarantees two runs never overlap; a run that loses the lease race
// returns nil and leaves the customer pending.
func (c *Consolidator) Consolidate(ctx context.Context, customerID string) error {
	c.mu.Lock()
	if _, held := c.leases[customerID]; held {
		c.mu.Unlock()
		return nil
	}
	c.leases[customerID] = struct{}{}
	c.mu.Unlock()

	superseded, err := c.runWithRetry(ctx, customerID)

	c.mu.Lock()
	delete(c.leases, customerID)
	if err == nil {
		delete(c.pending, customerID)
	}
	hook := c.onRun
	c.mu.Unlock()

	if err == nil && hook != nil {
		hook(customerID, superseded)
	}
	return err
}

func (c *Consolidator) runWithRetry(ctx context.Context, customerID string) (int, error) {
	var (
		n   int
		err error
	)
	for attempt := 0; attempt < consolidateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, retryBase, retryCap)):
			}
		}
		n, err = c.run(ctx, customerID)
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return n, err
		}
	}
	return n, err
}

func (c *Consolidator) run(ctx context.Context, customerID string) (int, error) {
	active, err := c.store.GetActive(ctx, customerID)
	if err != nil {
		return 0, err
	}

	byAttr := make(map[string][]Preference)
	for _, p := range active {
		key := normalizeKey(p.Attribute)
		byAttr[key] = append(byAttr[key], p)
	}

	superseded := 0
	for _, group := range byAttr {
		if len(group) < 2 {
			continue
		}
		winner := group[0]
		var losers []Preference
		for _, p := range group[1:] {
			var loser Preference
			winner, loser = resolvePair(winner, p)
			losers = append(losers, loser)
		}
		winner.UpdatedAt = winner.UpdatedAt.UTC()
		if err := c.store.Update(ctx, winner); err != nil {
			return superseded, err
		}
		for _, loser := range losers {
			loser.Status = StatusSuperseded
			if err := c.store.Update(ctx, loser); err != nil {
				return superseded, err
			}
			superseded++
		}
	}
	return superseded, nil
}

// resolvePair applies the pairwise conflict policy and returns the
// surviving preference and the one to supersede.
func resolvePair(a, b Preference) (winner, loser Preference) {
	if strings.EqualFold(strings.TrimSpace(a.Value), strings.TrimSpace(b.Value)) {
		// Agreement: combine as independent evidence, keep the newer record.
		merged := a
		if b.UpdatedAt.After(a.UpdatedAt) {
			merged = b
			loser = a
		} else {
			loser = b
		}
		merged.Confidence = 1 - (1-a.Confidence)*(1-b.Confidence)
		if a.Strength > merged.Strength {
			merged.Strength = a.Strength
		}
		if b.Strength > merged.Strength {
			merged.Strength = b.Strength
		}
		return merged, loser
	}

	// Disagreement: explicit beats inferred regardless of confidence.
	aExplicit := a.Source == SourceExplicit
	bExplicit := b.Source == SourceExplicit
	if aExplicit != bExplicit {
		if aExplicit {
			return a, b
		}
		return b, a
	}

	// Two explicit statements: the later one is a correction and wins.
	if aExplicit {
		if b.UpdatedAt.After(a.UpdatedAt) {
			return b, a
		}
		return a, b
	}

	// Two inferred: higher confidence x strength wins, ties go to the
	// more recent update.
	aScore := a.Confidence * a.Strength
	bScore := b.Confidence * b.Strength
	switch {
	case aScore > bScore:
		return a, b
	case bScore > aScore:
		return b, a
	case b.UpdatedAt.After(a.UpdatedAt):
		return b, a
	default:
		return a, b
	}
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
