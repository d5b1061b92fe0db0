package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EvictReason says why a session left the working set.
type EvictReason string

const (
	EvictClosed   EvictReason = "closed"
	EvictIdle     EvictReason = "idle_timeout"
	EvictCapacity EvictReason = "capacity"
)

// Session is a point-in-time snapshot of one cached session.
type Session struct {
	ID             string    `json:"session_id"`
	CustomerID     string    `json:"customer_id"`
	Status         Status    `json:"status"`
	TurnCount      int       `json:"turn_count"`
	LastTurnID     int64     `json:"last_turn_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Evicted describes a session leaving the cache. PendingProposals is the
// count of preference proposals not yet consolidated; the evict hook must
// route these to the consolidation queue before the state is discarded.
type Evicted struct {
	SessionID        string
	CustomerID       string
	Reason           EvictReason
	PendingProposals int
}

// CreateRequest defines the payload for opening a session.
type CreateRequest struct {
	CustomerID string `json:"customer_id"`
}

// CreateResponse returns opened session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	CustomerID     string    `json:"customer_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	IdleTimeoutMS  int64     `json:"idle_timeout_ms"`
	WindowCapacity int       `json:"window_capacity"`
}
