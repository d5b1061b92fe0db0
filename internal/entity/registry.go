// Package entity tracks mentioned entities per session and resolves later
// textual references ("it", "those", "the round ones") back to them.
package entity

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/mnemo/internal/turnlog"
)

var (
	ErrNotFound = errors.New("no entity matches the reference")

	// ErrMalformedAnnotation flags an entity type outside the known
	// enumeration. The caller drops the entity and keeps the turn.
	ErrMalformedAnnotation = errors.New("malformed entity annotation")
)

// Canonical entity types accepted from the extraction layer.
const (
	TypeProduct   = "product"
	TypeAttribute = "attribute"
	TypeCategory  = "category"
	TypeBrand     = "brand"
)

var knownTypes = map[string]bool{
	TypeProduct:   true,
	TypeAttribute: true,
	TypeCategory:  true,
	TypeBrand:     true,
}

// pronounClasses restricts which entity types a bare pronoun may refer to.
var pronounClasses = map[string][]string{
	"it":    {TypeProduct},
	"its":   {TypeProduct},
	"that":  {TypeProduct, TypeCategory},
	"this":  {TypeProduct, TypeCategory},
	"one":   {TypeProduct},
	"ones":  {TypeProduct},
	"they":  {TypeProduct, TypeBrand},
	"them":  {TypeProduct, TypeBrand},
	"those": {TypeProduct, TypeCategory},
	"these": {TypeProduct, TypeCategory},
}

// Mention is a tracked referent within a session.
type Mention struct {
	EntityID       string   `json:"entity_id"`
	CanonicalType  string   `json:"canonical_type"`
	CanonicalValue string   `json:"canonical_value"`
	Aliases        []string `json:"aliases,omitempty"`
	FirstTurnID    int64    `json:"first_turn_id"`
	LastTurnID     int64    `json:"last_turn_id"`
	MentionCount   int      `json:"mention_count"`
}

func (m Mention) clone() Mention {
	c := m
	c.Aliases = append([]string(nil), m.Aliases...)
	return c
}

// Registry holds per-session mention tables. It is a pure cache: everything
// here can be rebuilt from the turn log.
type Registry struct {
	mu              sync.RWMutex
	sessions        map[string]map[string]*Mention
	resolutionDepth int64
}

// NewRegistry creates a registry resolving references against entities
// mentioned within the last resolutionDepth turns (default 5).
func NewRegistry(resolutionDepth int) *Registry {
	if resolutionDepth <= 0 {
		resolutionDepth = 5
	}
	return &Registry{
		sessions:        make(map[string]map[string]*Mention),
		resolutionDepth: int64(resolutionDepth),
	}
}

// RegisterMention records an extracted entity for a turn, creating the
// mention on first sight and refreshing it on re-mention.
func (r *Registry) RegisterMention(sessionID string, turnID int64, extracted turnlog.ExtractedEntity) (string, error) {
	typ := strings.ToLower(strings.TrimSpace(extracted.Type))
	value := strings.TrimSpace(extracted.Value)
	if !knownTypes[typ] {
		return "", ErrMalformedAnnotation
	}
	if value == "" {
		return "", ErrMalformedAnnotation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.sessions[sessionID]
	if !ok {
		table = make(map[string]*Mention)
		r.sessions[sessionID] = table
	}

	key := typ + "\x00" + normalize(value)
	m, ok := table[key]
	if !ok {
		m = &Mention{
			EntityID:       uuid.NewString(),
			CanonicalType:  typ,
			CanonicalValue: value,
			FirstTurnID:    turnID,
		}
		table[key] = m
	}
	if turnID > m.LastTurnID {
		m.LastTurnID = turnID
	}
	m.MentionCount++
	if span := strings.TrimSpace(extracted.Span); span != "" {
		m.addAlias(span)
	}
	m.addAlias(value)
	return m.EntityID, nil
}

// ResolveReference maps a text span from turnID back to a tracked entity.
// Candidates are entities mentioned within the resolution depth; the most
// recently mentioned candidate wins ties. A miss returns ErrNotFound and the
// caller should treat the span as a fresh entity, not fail the turn.
func (r *Registry) ResolveReference(sessionID string, turnID int64, span string) (string, error) {
	span = strings.TrimSpace(span)
	if span == "" {
		return "", ErrNotFound
	}
	needle := normalize(span)
	allowedTypes, isPronoun := pronounClasses[needle]

	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}

	horizon := turnID - r.resolutionDepth
	var candidates []*Mention
	for _, m := range table {
		if m.LastTurnID < horizon {
			continue
		}
		if isPronoun {
			if typeAllowed(m.CanonicalType, allowedTypes) {
				candidates = append(candidates, m)
			}
			continue
		}
		if m.matchesAlias(needle) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastTurnID > candidates[j].LastTurnID
	})
	winner := candidates[0]

	// Resolution counts as a mention: refresh recency and remember the
	// alias the speaker actually used.
	if turnID > winner.LastTurnID {
		winner.LastTurnID = turnID
	}
	winner.MentionCount++
	if !isPronoun {
		winner.addAlias(span)
	}
	return winner.EntityID, nil
}

// ActiveSince returns mentions whose last mention falls at or after
// fromTurnID, most recent first.
func (r *Registry) ActiveSince(sessionID string, fromTurnID int64) []Mention {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := r.sessions[sessionID]
	out := make([]Mention, 0, len(table))
	for _, m := range table {
		if m.LastTurnID >= fromTurnID {
			out = append(out, m.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTurnID > out[j].LastTurnID
	})
	return out
}

// Lookup returns a mention by entity ID.
func (r *Registry) Lookup(sessionID, entityID string) (Mention, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.sessions[sessionID] {
		if m.EntityID == entityID {
			return m.clone(), true
		}
	}
	return Mention{}, false
}

// EndSession drops all mention state for a session.
func (r *Registry) EndSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Rebuild re-derives a session's mention table by replaying turns from the
// log, used on cold start when the cache layer was lost.
func (r *Registry) Rebuild(sessionID string, turns []turnlog.Turn) {
	r.EndSession(sessionID)
	for _, t := range turns {
		for _, e := range t.Entities {
			// Malformed annotations were already dropped at ingest.
			_, _ = r.RegisterMention(sessionID, t.TurnID, e)
		}
	}
}

func (m *Mention) addAlias(alias string) {
	needle := normalize(alias)
	if needle == "" || needle == normalize(m.CanonicalValue) {
		return
	}
	for _, a := range m.Aliases {
		if normalize(a) == needle {
			return
		}
	}
	m.Aliases = append(m.Aliases, alias)
}

func (m *Mention) matchesAlias(needle string) bool {
	if strings.Contains(needle, normalize(m.CanonicalValue)) {
		return true
	}
	for _, a := range m.Aliases {
		if strings.Contains(needle, normalize(a)) {
			return true
		}
	}
	return false
}

func typeAllowed(typ string, allowed []string) bool {
	for _, a := range allowed {
		if a == typ {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
