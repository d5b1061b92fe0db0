package turnlog

import (
	"errors"
	"time"
)

type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerSystem Speaker = "system"
)

var (
	// ErrDuplicateTurn is returned when a turn ID already exists for the
	// session. Callers retrying an append can treat it as success.
	ErrDuplicateTurn = errors.New("duplicate turn")

	// ErrTurnGap rejects a client-chosen turn ID that skips ahead of the
	// log. Range must never return a sequence with holes.
	ErrTurnGap = errors.New("turn id skips ahead of the log")

	// ErrStoreUnavailable wraps backend I/O failures. Append is one of the
	// few operations allowed to fail visibly; a silently dropped turn would
	// break replay.
	ErrStoreUnavailable = errors.New("turn store unavailable")

	ErrSessionNotFound = errors.New("session not found in turn store")
)

// ExtractedEntity is one annotated entity supplied by the extraction layer.
type ExtractedEntity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Span  string `json:"span,omitempty"`
}

// ExtractedPreference is one annotated preference tuple supplied per turn.
type ExtractedPreference struct {
	Category   string  `json:"category,omitempty"`
	Attribute  string  `json:"attribute"`
	Value      string  `json:"value"`
	Sentiment  string  `json:"sentiment,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Turn is one message within a session. Immutable once appended.
type Turn struct {
	TurnID      int64                 `json:"turn_id"`
	SessionID   string                `json:"session_id"`
	Timestamp   time.Time             `json:"timestamp"`
	Speaker     Speaker               `json:"speaker"`
	Text        string                `json:"text"`
	Intent      string                `json:"intent,omitempty"`
	Entities    []ExtractedEntity     `json:"entities,omitempty"`
	Preferences []ExtractedPreference `json:"preferences,omitempty"`
	PIIRedacted bool                  `json:"pii_redacted,omitempty"`
}

// Clone returns a deep copy so callers can hold turns without aliasing
// store-owned slices.
func (t Turn) Clone() Turn {
	c := t
	if len(t.Entities) > 0 {
		c.Entities = append([]ExtractedEntity(nil), t.Entities...)
	}
	if len(t.Preferences) > 0 {
		c.Preferences = append([]ExtractedPreference(nil), t.Preferences...)
	}
	return c
}
