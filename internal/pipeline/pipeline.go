package pipeline

import (
	"fmt"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// Pipeline holds the settings shared by the ingestion stages that run before
// persistence: thread dedup and classification.
type Pipeline struct {
	replyMarkers []string
}

func New(replyMarkers []string) *Pipeline {
	return &Pipeline{replyMarkers: replyMarkers}
}

// Candidates reduces a fetched batch to one originating message per thread.
func (p *Pipeline) Candidates(msgs []model.RawMessage) []model.RawMessage {
	return Deduplicate(msgs, p.replyMarkers)
}

func (p *Pipeline) Parse(msg model.RawMessage) (model.IssueDraft, error) {
	draft, err := Parse(msg)
	if err != nil {
		return model.IssueDraft{}, fmt.Errorf("parsing %q: %w", msg.Subject, err)
	}
	return draft, nil
}
