// Package retriever assembles bounded context views from working memory,
// the entity registry, durable preferences, and a long-term similarity
// index. It is read-only: a cancelled build leaves no side effects.
package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ent0n29/mnemo/internal/entity"
	"github.com/ent0n29/mnemo/internal/prefs"
	"github.com/ent0n29/mnemo/internal/turnlog"
)

const (
	defaultHalfLife   = 30 * 24 * time.Hour
	defaultSimTimeout = 200 * time.Millisecond
	defaultSimK       = 8
)

// Sizer measures text in budget units. The default counts bytes; the
// window manager supplies a tokenizer-backed one.
type Sizer func(string) int

// ContextView is the ephemeral product of one build. SizeUsed never
// exceeds SizeBudget; overflow is resolved by truncation, not error.
type ContextView struct {
	Turns       []turnlog.Turn     `json:"turns"`
	Entities    []entity.Mention   `json:"entities"`
	Preferences []prefs.Preference `json:"preferences"`
	SizeUsed    int                `json:"size_used"`
	SizeBudget  int                `json:"size_budget"`

	// Degradation markers for observability; never an error to callers.
	Truncated         bool `json:"truncated,omitempty"`
	SimilaritySkipped bool `json:"similarity_skipped,omitempty"`
}

// Hint carries what is known about the turn being answered.
type Hint struct {
	CustomerID string                    `json:"customer_id"`
	Text       string                    `json:"text,omitempty"`
	Entities   []turnlog.ExtractedEntity `json:"entities,omitempty"`
}

// ScoredTurn is one long-term index hit.
type ScoredTurn struct {
	Turn  turnlog.Turn
	Score float64
}

// SimilaritySearcher is the long-term retrieval capability. Implementations
// may be an in-process index or an external service; the retriever only
// requires ranked results and context cancellation support.
type SimilaritySearcher interface {
	Search(ctx context.Context, customerID, query string, k int) ([]ScoredTurn, error)
}

// Windower exposes the session cache's active window.
type Windower interface {
	ActiveWindow(sessionID string, n int) ([]turnlog.Turn, int64, error)
}

// EntitySource exposes the entity registry's window view.
type EntitySource interface {
	ActiveSince(sessionID string, fromTurnID int64) []entity.Mention
}

// PreferenceSource exposes the durable preference store.
type PreferenceSource interface {
	GetActive(ctx context.Context, customerID string) ([]prefs.Preference, error)
}

type Config struct {
	WindowTurns       int
	DecayHalfLife     time.Duration
	SimilarityTimeout time.Duration
	SimilarityK       int
	Sizer             Sizer

	// ObserveSimilarity, when set, receives the wall time of each
	// long-term index lookup, skipped or not.
	ObserveSimilarity func(time.Duration)
}

type Retriever struct {
	cfg        Config
	window     Windower
	entities   EntitySource
	durable    PreferenceSource
	similarity SimilaritySearcher
	now        func() time.Time
}

func New(cfg Config, window Windower, entities EntitySource, durable PreferenceSource, similarity SimilaritySearcher) *Retriever {
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = defaultHalfLife
	}
	if cfg.SimilarityTimeout <= 0 {
		cfg.SimilarityTimeout = defaultSimTimeout
	}
	if cfg.SimilarityK <= 0 {
		cfg.SimilarityK = defaultSimK
	}
	if cfg.Sizer == nil {
		cfg.Sizer = func(s string) int { return len(s) }
	}
	return &Retriever{
		cfg:        cfg,
		window:     window,
		entities:   entities,
		durable:    durable,
		similarity: similarity,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// BuildContext ranks and selects memory items under the size budget.
//
// Priority tiers: (1) entities and preferences the current turn explicitly
// references, (2) active-window turns most-recent-first, (3) durable
// preferences by strength x recency decay, (4) similar out-of-window turns
// from the long-term index. Selection is greedy; the first item that would
// overflow is truncated to the remaining budget and selection stops, so a
// highest-priority item never wholly disappears under budget pressure.
func (r *Retriever) BuildContext(ctx context.Context, sessionID string, hint Hint, budget int) (ContextView, error) {
	view := ContextView{SizeBudget: budget}
	if budget <= 0 {
		return view, nil
	}

	turns, fromTurn, err := r.window.ActiveWindow(sessionID, r.cfg.WindowTurns)
	if err != nil {
		return view, err
	}
	mentions := r.entities.ActiveSince(sessionID, fromTurn)

	// Durable preferences degrade to absent when the store is down; only
	// append/propose are allowed to fail visibly.
	var durable []prefs.Preference
	if r.durable != nil && hint.CustomerID != "" {
		durable, _ = r.durable.GetActive(ctx, hint.CustomerID)
	}

	fill := &filler{view: &view, sizer: r.cfg.Sizer, remaining: budget}

	// Tier 1: referenced entities and their preferences.
	referenced, restMentions := splitReferenced(mentions, hint.Entities)
	matched, restPrefs := splitMatchingPrefs(durable, hint.Entities)
	for _, m := range referenced {
		if !fill.addMention(m) {
			return view, nil
		}
	}
	for _, p := range matched {
		if !fill.addPreference(p) {
			return view, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return view, err
	}

	// Tier 2: active window, most recent first.
	for i := len(turns) - 1; i >= 0; i-- {
		if !fill.addTurn(turns[i]) {
			return view, nil
		}
	}
	// Window entities ride along with their turns while budget remains.
	for _, m := range restMentions {
		if !fill.addMention(m) {
			return view, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return view, err
	}

	// Tier 3: remaining durable preferences by strength x recency decay.
	sort.SliceStable(restPrefs, func(i, j int) bool {
		return r.decayScore(restPrefs[i]) > r.decayScore(restPrefs[j])
	})
	for _, p := range restPrefs {
		if !fill.addPreference(p) {
			return view, nil
		}
	}

	// Tier 4: long-term similarity, bounded by a timeout. A slow or failed
	// lookup skips the tier; it never fails the build.
	if r.similarity != nil && hint.CustomerID != "" && strings.TrimSpace(hint.Text) != "" {
		simCtx, cancel := context.WithTimeout(ctx, r.cfg.SimilarityTimeout)
		defer cancel()
		simStart := time.Now()
		hits, err := r.similarity.Search(simCtx, hint.CustomerID, hint.Text, r.cfg.SimilarityK)
		if r.cfg.ObserveSimilarity != nil {
			r.cfg.ObserveSimilarity(time.Since(simStart))
		}
		if err != nil {
			view.SimilaritySkipped = true
		} else {
			seen := make(map[int64]bool, len(view.Turns))
			for _, t := range view.Turns {
				if t.SessionID == sessionID {
					seen[t.TurnID] = true
				}
			}
			for _, hit := range hits {
				if hit.Turn.SessionID == sessionID && seen[hit.Turn.TurnID] {
					continue
				}
				if !fill.addTurn(hit.Turn) {
					return view, nil
				}
			}
		}
	}

	return view, nil
}

func (r *Retriever) decayScore(p prefs.Preference) float64 {
	age := r.now().Sub(p.UpdatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, age.Hours()/r.cfg.DecayHalfLife.Hours())
	return p.Strength * decay
}

// filler performs the greedy budget fill. Each add reports whether
// selection can continue; a truncated add stops it.
type filler struct {
	view      *ContextView
	sizer     Sizer
	remaining int
}

func (f *filler) addTurn(t turnlog.Turn) bool {
	text, ok := f.fit(t.Text)
	if !ok {
		return false
	}
	if text != t.Text {
		t = t.Clone()
		t.Text = text
		f.view.Turns = append(f.view.Turns, t)
		f.view.Truncated = true
		return false
	}
	f.view.Turns = append(f.view.Turns, t.Clone())
	return true
}

func (f *filler) addMention(m entity.Mention) bool {
	rendered := m.CanonicalValue
	if len(m.Aliases) > 0 {
		rendered += " " + strings.Join(m.Aliases, " ")
	}
	text, ok := f.fit(rendered)
	if !ok {
		return false
	}
	if text != rendered {
		// Drop aliases under pressure; the canonical value survives.
		m.Aliases = nil
		f.view.Entities = append(f.view.Entities, m)
		f.view.Truncated = true
		return false
	}
	f.view.Entities = append(f.view.Entities, m)
	return true
}

func (f *filler) addPreference(p prefs.Preference) bool {
	rendered := p.Attribute + "=" + p.Value
	text, ok := f.fit(rendered)
	if !ok {
		return false
	}
	if text != rendered {
		f.view.Preferences = append(f.view.Preferences, p)
		f.view.Truncated = true
		return false
	}
	f.view.Preferences = append(f.view.Preferences, p)
	return true
}

// fit returns the text as-is when it fits the remaining budget, or the
// largest prefix that does. ok is false when nothing fits.
func (f *filler) fit(text string) (string, bool) {
	sz := f.sizer(text)
	if sz <= f.remaining {
		f.remaining -= sz
		f.view.SizeUsed += sz
		return text, true
	}
	if f.remaining <= 0 {
		return "", false
	}
	cut := truncateToFit(text, f.remaining, f.sizer)
	if cut == "" {
		return "", false
	}
	used := f.sizer(cut)
	f.remaining -= used
	f.view.SizeUsed += used
	return cut, true
}

// truncateToFit finds the longest rune prefix whose size fits, by binary
// search; sizers are monotone over prefixes.
func truncateToFit(text string, max int, sizer Sizer) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if sizer(string(runes[:mid])) <= max {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// splitReferenced partitions mentions into those named by the current
// turn's extracted entities and the rest.
func splitReferenced(mentions []entity.Mention, extracted []turnlog.ExtractedEntity) (referenced, rest []entity.Mention) {
	for _, m := range mentions {
		if mentionReferenced(m, extracted) {
			referenced = append(referenced, m)
		} else {
			rest = append(rest, m)
		}
	}
	return referenced, rest
}

func mentionReferenced(m entity.Mention, extracted []turnlog.ExtractedEntity) bool {
	for _, e := range extracted {
		v := strings.ToLower(strings.TrimSpace(e.Value))
		if v == "" {
			continue
		}
		if strings.EqualFold(m.CanonicalValue, v) {
			return true
		}
		for _, a := range m.Aliases {
			if strings.EqualFold(a, v) {
				return true
			}
		}
	}
	return false
}

// splitMatchingPrefs partitions preferences into those whose attribute or
// value the current turn references and the rest.
func splitMatchingPrefs(all []prefs.Preference, extracted []turnlog.ExtractedEntity) (matched, rest []prefs.Preference) {
	for _, p := range all {
		if prefReferenced(p, extracted) {
			matched = append(matched, p)
		} else {
			rest = append(rest, p)
		}
	}
	return matched, rest
}

func prefReferenced(p prefs.Preference, extracted []turnlog.ExtractedEntity) bool {
	for _, e := range extracted {
		v := strings.TrimSpace(e.Value)
		if v == "" {
			continue
		}
		if strings.EqualFold(p.Attribute, v) || strings.EqualFold(p.Value, v) {
			return true
		}
	}
	return false
}
