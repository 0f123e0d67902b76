package mailbox

import (
	"context"
	"errors"
	"sync"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// ErrUnavailable wraps every failure that prevents a fetch from completing.
var ErrUnavailable = errors.New("message source unavailable")

// Source supplies candidate bug-report messages. Implementations return the
// raw batch; thread dedup and reply filtering happen downstream.
type Source interface {
	FetchCandidateMessages(ctx context.Context) ([]model.RawMessage, error)
}

// ReadMarker is implemented by sources that can flag a message as processed.
type ReadMarker interface {
	MarkRead(ctx context.Context, externalID string) error
}

// StaticSource serves a fixed batch. Used in tests and local development.
type StaticSource struct {
	mu       sync.Mutex
	messages []model.RawMessage
	err      error
	read     map[string]bool
}

func NewStaticSource(messages ...model.RawMessage) *StaticSource {
	return &StaticSource{messages: messages, read: make(map[string]bool)}
}

func (s *StaticSource) FetchCandidateMessages(ctx context.Context) ([]model.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.RawMessage, len(s.messages))
	copy(out, s.messages)
	for i := range out {
		out[i].IsRead = s.read[out[i].ExternalID]
	}
	return out, nil
}

func (s *StaticSource) MarkRead(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read[externalID] = true
	return nil
}

// Set replaces the served batch.
func (s *StaticSource) Set(messages ...model.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = messages
}

// Fail makes subsequent fetches return err. A nil err restores normal behavior.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) IsRead(externalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read[externalID]
}
