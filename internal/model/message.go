package model

import "time"

type Sender struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// BodyVariants carries the bodies a mail source may return for one message.
// OriginalOnly excludes quoted thread history and is preferred when present.
type BodyVariants struct {
	OriginalOnly string `json:"original_only,omitempty"`
	Full         string `json:"full,omitempty"`
	Preview      string `json:"preview,omitempty"`
}

// RawMessage is one inbound message as produced by a message source.
type RawMessage struct {
	ExternalID string       `json:"external_id"`
	ThreadID   string       `json:"thread_id"`
	Subject    string       `json:"subject"`
	Sender     Sender       `json:"sender"`
	ReceivedAt time.Time    `json:"received_at"`
	Body       BodyVariants `json:"body"`
	IsDraft    bool         `json:"is_draft"`
	IsRead     bool         `json:"is_read"`
}
