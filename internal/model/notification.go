package model

import "time"

type EventKind string

const (
	EventNewIssueFromSource EventKind = "new_bug_outlook"
	EventStatusChanged      EventKind = "bug_status_change"
	EventAssigned           EventKind = "bug_assigned"
	EventConnected          EventKind = "connected"
	EventHeartbeat          EventKind = "heartbeat"
)

// NotificationEvent is transient and never persisted.
// SubjectID, when set, names the single subscriber the event targets.
type NotificationEvent struct {
	Kind      EventKind      `json:"kind"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
