package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/model"
)

const issueColumns = `id, external_id, title, description, severity, priority, category, status,
	steps_to_reproduce, expected_behavior, actual_behavior, environment, tags,
	reporter_name, reporter_email, assigned_to, comments,
	received_at, resolved_at, closed_at, created_at, updated_at`

type issueStore struct {
	db db.DBTX
}

func newIssueStore(conn db.DBTX) IssueStore {
	return &issueStore{db: conn}
}

func (s *issueStore) FindByExternalID(ctx context.Context, externalID string) (*model.Issue, error) {
	row := s.db.QueryRow(ctx, `SELECT `+issueColumns+` FROM bug_issues WHERE external_id = $1`, externalID)
	issue, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return issue, nil
}

func (s *issueStore) GetByID(ctx context.Context, id int64) (*model.Issue, error) {
	row := s.db.QueryRow(ctx, `SELECT `+issueColumns+` FROM bug_issues WHERE id = $1`, id)
	issue, err := scanIssue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return issue, nil
}

// Create inserts a new issue. The caller assigns the ID. A row that already
// exists for the external id yields ErrConflict and leaves the table untouched.
func (s *issueStore) Create(ctx context.Context, issue *model.Issue) error {
	env, err := json.Marshal(issue.Environment)
	if err != nil {
		return err
	}
	comments := issue.Comments
	if comments == nil {
		comments = []model.Comment{}
	}
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return err
	}
	tags := issue.Tags
	if tags == nil {
		tags = []string{}
	}
	status := string(issue.Status)
	if status == "" {
		status = string(model.StatusOpen)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO bug_issues (
			id, external_id, title, description, severity, priority, category, status,
			steps_to_reproduce, expected_behavior, actual_behavior, environment, tags,
			reporter_name, reporter_email, assigned_to, comments, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING status, created_at, updated_at`,
		issue.ID, issue.ExternalID, issue.Title, issue.Description,
		string(issue.Severity), string(issue.Priority), issue.Category, status,
		issue.StepsToReproduce, issue.ExpectedBehavior, issue.ActualBehavior, env, tags,
		issue.ReportedBy.Name, issue.ReportedBy.Email, issue.AssignedTo, commentsJSON, issue.ReceivedAt,
	).Scan(&status, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		return err
	}

	issue.Status = model.Status(status)
	issue.Comments = comments
	issue.Tags = tags
	return nil
}

// Update applies patch under a row lock so concurrent comment appends and
// status changes do not overwrite each other.
func (s *issueStore) Update(ctx context.Context, id int64, patch model.IssuePatch) (*model.Issue, error) {
	var updated *model.Issue

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+issueColumns+` FROM bug_issues WHERE id = $1 FOR UPDATE`, id)
		issue, err := scanIssue(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if err := ApplyPatch(issue, patch, time.Now().UTC()); err != nil {
			return err
		}

		commentsJSON, err := json.Marshal(issue.Comments)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE bug_issues
			SET status = $2, assigned_to = $3, comments = $4,
			    resolved_at = $5, closed_at = $6, updated_at = $7
			WHERE id = $1`,
			id, string(issue.Status), issue.AssignedTo, commentsJSON,
			issue.ResolvedAt, issue.ClosedAt, issue.UpdatedAt,
		)
		if err != nil {
			return err
		}

		updated = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *issueStore) ListRecent(ctx context.Context, limit int32) ([]model.Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+issueColumns+` FROM bug_issues ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issues := make([]model.Issue, 0, limit)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *issue)
	}
	return issues, rows.Err()
}

// ApplyPatch mutates issue in place. Moving to Resolved or Closed stamps the
// matching timestamp; moving back to an open state clears both.
// An AssignedTo of zero unassigns.
func ApplyPatch(issue *model.Issue, patch model.IssuePatch, now time.Time) error {
	if patch.Status != nil {
		next := *patch.Status
		if !next.Valid() {
			return fmt.Errorf("invalid status %q", next)
		}
		switch next {
		case model.StatusResolved:
			if issue.Status != model.StatusResolved || issue.ResolvedAt == nil {
				issue.ResolvedAt = &now
			}
			issue.ClosedAt = nil
		case model.StatusClosed:
			if issue.Status != model.StatusClosed || issue.ClosedAt == nil {
				issue.ClosedAt = &now
			}
		default:
			issue.ResolvedAt = nil
			issue.ClosedAt = nil
		}
		issue.Status = next
	}

	if patch.AssignedTo != nil {
		if *patch.AssignedTo == 0 {
			issue.AssignedTo = nil
		} else {
			assignee := *patch.AssignedTo
			issue.AssignedTo = &assignee
		}
	}

	if patch.Comment != nil {
		c := *patch.Comment
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		issue.Comments = append(issue.Comments, c)
	}

	issue.UpdatedAt = now
	return nil
}

func scanIssue(row pgx.Row) (*model.Issue, error) {
	var (
		issue    model.Issue
		severity string
		priority string
		status   string
		env      []byte
		comments []byte
	)

	err := row.Scan(
		&issue.ID, &issue.ExternalID, &issue.Title, &issue.Description,
		&severity, &priority, &issue.Category, &status,
		&issue.StepsToReproduce, &issue.ExpectedBehavior, &issue.ActualBehavior, &env, &issue.Tags,
		&issue.ReportedBy.Name, &issue.ReportedBy.Email, &issue.AssignedTo, &comments,
		&issue.ReceivedAt, &issue.ResolvedAt, &issue.ClosedAt, &issue.CreatedAt, &issue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	issue.Severity = model.Severity(severity)
	issue.Priority = model.Priority(priority)
	issue.Status = model.Status(status)

	if len(env) > 0 {
		if err := json.Unmarshal(env, &issue.Environment); err != nil {
			return nil, fmt.Errorf("decoding environment: %w", err)
		}
	}
	issue.Comments = []model.Comment{}
	if len(comments) > 0 {
		if err := json.Unmarshal(comments, &issue.Comments); err != nil {
			return nil, fmt.Errorf("decoding comments: %w", err)
		}
	}
	return &issue, nil
}
