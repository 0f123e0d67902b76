package issue_tracker

import (
	"context"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// MirrorRef points at the tracker-side copy of an issue.
type MirrorRef struct {
	IID    int64
	WebURL string
}

// IssueMirror copies newly ingested issues into an external tracker.
// Callers treat failures as non-fatal.
type IssueMirror interface {
	MirrorIssue(ctx context.Context, issue *model.Issue) (*MirrorRef, error)
}
