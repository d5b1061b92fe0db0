// Package window maps caller token budgets into retriever size units and
// compacts overgrown session windows into digests.
package window

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ent0n29/mnemo/internal/retriever"
	"github.com/ent0n29/mnemo/internal/session"
	"github.com/ent0n29/mnemo/internal/turnlog"
)

const (
	defaultThreshold  = 40
	digestClauseRunes = 72
)

// NewTokenSizer returns a Sizer counting tokens under the named tiktoken
// encoding (e.g. cl100k_base).
func NewTokenSizer(encoding string) (retriever.Sizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %q: %w", encoding, err)
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

// ByteSizer is the fallback when no tokenizer encoding can be loaded.
func ByteSizer(s string) int { return len(s) }

// Manager is the policy layer in front of the retriever.
type Manager struct {
	cache         *session.Cache
	sizer         retriever.Sizer
	threshold     int
	defaultBudget int
	maxBudget     int
}

func NewManager(cache *session.Cache, sizer retriever.Sizer, threshold, defaultBudget, maxBudget int) *Manager {
	if sizer == nil {
		sizer = ByteSizer
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if defaultBudget <= 0 {
		defaultBudget = 2048
	}
	if maxBudget <= 0 {
		maxBudget = 8192
	}
	return &Manager{
		cache:         cache,
		sizer:         sizer,
		threshold:     threshold,
		defaultBudget: defaultBudget,
		maxBudget:     maxBudget,
	}
}

// Sizer returns the unit of measure shared with the retriever.
func (m *Manager) Sizer() retriever.Sizer { return m.sizer }

// ClampBudget maps a caller's stated budget into retriever units. Zero or
// negative means "use the default"; oversized requests are capped.
func (m *Manager) ClampBudget(requested int) int {
	if requested <= 0 {
		return m.defaultBudget
	}
	if requested > m.maxBudget {
		return m.maxBudget
	}
	return requested
}

// SummarizeWindow condenses the oldest half of an overgrown window into a
// single synthetic system turn so the registry and retriever keep working
// on an unchanged shape. Returns the digest, or "" when the window is
// still under the threshold.
func (m *Manager) SummarizeWindow(sessionID string) (string, error) {
	turns, _, err := m.cache.ActiveWindow(sessionID, 0)
	if err != nil {
		return "", err
	}
	if len(turns) < m.threshold {
		return "", nil
	}

	digest := Digest(turns[:len(turns)/2])
	replaced, err := m.cache.ReplaceOldestHalf(sessionID, digest)
	if err != nil {
		return "", err
	}
	if !replaced {
		return "", nil
	}
	return digest, nil
}

// Digest renders a compact multi-turn summary, one clipped clause per turn.
func Digest(turns []turnlog.Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		clause := firstClause(t.Text)
		if clause == "" {
			continue
		}
		parts = append(parts, string(t.Speaker)+": "+clause)
	}
	return "Earlier in this conversation: " + strings.Join(parts, "; ")
}

func firstClause(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?\n"); i > 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > digestClauseRunes {
		text = string(runes[:digestClauseRunes])
	}
	return text
}
