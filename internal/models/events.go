package models

import (
	"time"
)

// Real-time event names pushed to participants.
const (
	EventNewRequest       = "new_request"
	EventQuoteReceived    = "quote_received"
	EventRequestAccepted  = "request_accepted"
	EventRequestTaken     = "request_taken"
	EventRequestCancelled = "request_cancelled"
	EventRequestCompleted = "request_completed"
)

// RequestEvent is the journal record written after a transition commits.
type RequestEvent struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	RequestID  string                 `json:"request_id"`
	Status     RequestStatus          `json:"status"`
	ActorID    string                 `json:"actor_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
