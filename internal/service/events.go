package service

import "time"

// Event types published on the per-session stream.
const (
	EventSessionOpened      = "session_opened"
	EventSessionEvicted     = "session_evicted"
	EventTurnAppended       = "turn_appended"
	EventPreferenceProposed = "preference_proposed"
	EventConsolidated       = "consolidated"
	EventWindowSummarized   = "window_summarized"
)

// Event is one observable memory-pipeline occurrence.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	CustomerID string    `json:"customer_id,omitempty"`
	TurnID     int64     `json:"turn_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Subscribe returns a channel of events for one session and a cancel
// function. Slow consumers drop events rather than stall ingestion.
func (s *Service) Subscribe(sessionID string) (<-chan Event, func()) {
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 128)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[sessionID]; !ok {
		s.subscribers[sessionID] = make(map[int]chan Event)
	}
	s.subscribers[sessionID][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, sessionID)
		}
	}
}

// publish sends under the lock so a concurrent cancel cannot close a
// channel mid-send.
func (s *Service) publish(sessionID string, ev Event) {
	ev.At = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// publishForCustomer fans an event out to every session of a customer.
func (s *Service) publishForCustomer(customerID string, ev Event) {
	s.mu.Lock()
	var ids []string
	for sessionID, cust := range s.customerOf {
		if cust == customerID {
			ids = append(ids, sessionID)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		scoped := ev
		scoped.SessionID = id
		s.publish(id, scoped)
	}
}
