package store

import (
	"context"
	"errors"

	"github.com/telex-ph/bug-reporting/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by IssueStore.Create when an issue with the same
// external id already exists.
var ErrConflict = errors.New("issue already exists for external id")

// IssueStore defines the contract for bug issue data access.
// FindByExternalID is the authoritative dedup gate; Create enforces the same
// uniqueness at the database level.
type IssueStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Issue, error)
	GetByID(ctx context.Context, id int64) (*model.Issue, error)
	Create(ctx context.Context, issue *model.Issue) error
	Update(ctx context.Context, id int64, patch model.IssuePatch) (*model.Issue, error)
	ListRecent(ctx context.Context, limit int32) ([]model.Issue, error)
}

// OperatorStore defines the contract for operator data access
type OperatorStore interface {
	GetByID(ctx context.Context, id int64) (*model.Operator, error)
	GetByEmail(ctx context.Context, email string) (*model.Operator, error)
	Upsert(ctx context.Context, op *model.Operator) error
}

// SessionStore defines the contract for operator session data access
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	GetValid(ctx context.Context, id int64) (*model.Session, error) // checks expiry
	Delete(ctx context.Context, id int64) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SyncRunStore records one row per ingestion run.
type SyncRunStore interface {
	Create(ctx context.Context, run *model.SyncRun) error
	Finish(ctx context.Context, id int64, report *model.SyncReport, runErr error) error
	ListRecent(ctx context.Context, limit int32) ([]model.SyncRun, error)
}
