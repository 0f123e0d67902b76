package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/notify"
	"github.com/telex-ph/bug-reporting/internal/store"
)

var (
	ErrIssueNotFound    = errors.New("issue not found")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrEmptyComment     = errors.New("comment message is empty")
)

type IssueService interface {
	Get(ctx context.Context, issueID int64) (*model.Issue, error)
	ListRecent(ctx context.Context, limit int32) ([]model.Issue, error)
	UpdateStatus(ctx context.Context, issueID int64, status model.Status) (*model.Issue, error)
	Assign(ctx context.Context, issueID, operatorID int64) (*model.Issue, error)
	AddComment(ctx context.Context, issueID int64, author *model.Operator, message string) (*model.Issue, error)
}

type issueService struct {
	issues    store.IssueStore
	operators store.OperatorStore
	events    EventPublisher
}

func NewIssueService(issues store.IssueStore, operators store.OperatorStore, events EventPublisher) IssueService {
	if events == nil {
		events = NewDiscardPublisher()
	}
	return &issueService{issues: issues, operators: operators, events: events}
}

func (s *issueService) Get(ctx context.Context, issueID int64) (*model.Issue, error) {
	issue, err := s.issues.GetByID(ctx, issueID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("getting issue: %w", err)
	}
	return issue, nil
}

func (s *issueService) ListRecent(ctx context.Context, limit int32) ([]model.Issue, error) {
	issues, err := s.issues.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing issues: %w", err)
	}
	return issues, nil
}

// UpdateStatus moves an issue to status and broadcasts the change. Setting
// the current status again is a no-op that publishes nothing.
func (s *issueService) UpdateStatus(ctx context.Context, issueID int64, status model.Status) (*model.Issue, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueID: &issueID})

	current, err := s.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if current.Status == status {
		return current, nil
	}

	updated, err := s.update(ctx, issueID, model.IssuePatch{Status: &status})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "issue status changed", "from", current.Status, "to", updated.Status)
	s.publish(ctx, notify.StatusChangedEvent(updated, current.Status, updated.Status))
	return updated, nil
}

// Assign sets the assignee, tells them directly, and broadcasts the change to
// every other operator.
func (s *issueService) Assign(ctx context.Context, issueID, operatorID int64) (*model.Issue, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueID: &issueID})

	operator, err := s.operators.GetByID(ctx, operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("getting operator: %w", err)
	}
	if !operator.IsActive {
		return nil, ErrOperatorNotFound
	}

	updated, err := s.update(ctx, issueID, model.IssuePatch{AssignedTo: &operatorID})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "issue assigned", "operator_id", operatorID)
	targeted, broadcast := notify.AssignedEvents(updated, operator)
	s.publish(ctx, targeted)
	s.publish(ctx, broadcast)
	return updated, nil
}

// AddComment appends a comment by author. Comments are not broadcast.
func (s *issueService) AddComment(ctx context.Context, issueID int64, author *model.Operator, message string) (*model.Issue, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyComment
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueID: &issueID})

	updated, err := s.update(ctx, issueID, model.IssuePatch{Comment: &model.Comment{
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Message:    message,
	}})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "issue commented", "operator_id", author.ID, "comments", len(updated.Comments))
	return updated, nil
}

func (s *issueService) update(ctx context.Context, issueID int64, patch model.IssuePatch) (*model.Issue, error) {
	updated, err := s.issues.Update(ctx, issueID, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("updating issue: %w", err)
	}
	return updated, nil
}

func (s *issueService) publish(ctx context.Context, event model.NotificationEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "error", err, "kind", event.Kind)
	}
}
