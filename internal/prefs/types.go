package prefs

import (
	"errors"
	"time"
)

type Source string

const (
	SourceExplicit Source = "explicit"
	SourceInferred Source = "inferred"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusRetracted  Status = "retracted"
)

var (
	ErrStoreUnavailable = errors.New("preference store unavailable")
	ErrNotFound         = errors.New("preference not found")
)

// Preference is one consolidated or proposed customer preference.
// Superseded preferences are retained for audit, never deleted, except
// under an explicit customer data-erasure request.
type Preference struct {
	ID         string    `json:"preference_id"`
	CustomerID string    `json:"customer_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	Attribute  string    `json:"attribute"`
	Value      string    `json:"value"`
	Sentiment  string    `json:"sentiment,omitempty"`
	Confidence float64   `json:"confidence"`
	Strength   float64   `json:"strength"`
	Source     Source    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     Status    `json:"status"`
}
