package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so a sync run or a live connection
// only has to attach its identifiers once.
type LogFields struct {
	IssueID      *int64  // Persisted issue ID
	ExternalID   *string // Source message ID (dedup key)
	SyncRunID    *int64  // One ingestion run
	SubscriberID *string // Authenticated operator owning a live connection
	ConnectionID *string // One live connection
	EventKind    *string // Notification event kind
	Component    string  // Component name, e.g. "bugs.notify.hub"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.IssueID != nil {
		result.IssueID = new.IssueID
	}
	if new.ExternalID != nil {
		result.ExternalID = new.ExternalID
	}
	if new.SyncRunID != nil {
		result.SyncRunID = new.SyncRunID
	}
	if new.SubscriberID != nil {
		result.SubscriberID = new.SubscriberID
	}
	if new.ConnectionID != nil {
		result.ConnectionID = new.ConnectionID
	}
	if new.EventKind != nil {
		result.EventKind = new.EventKind
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{IssueID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
