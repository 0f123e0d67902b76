package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/model"
)

type syncRunStore struct {
	db db.DBTX
}

func newSyncRunStore(conn db.DBTX) SyncRunStore {
	return &syncRunStore{db: conn}
}

func (s *syncRunStore) Create(ctx context.Context, run *model.SyncRun) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO sync_runs (id, trigger, status)
		VALUES ($1, $2, $3)
		RETURNING started_at`,
		run.ID, run.Trigger, string(model.SyncRunRunning),
	).Scan(&run.StartedAt)
}

// Finish records the outcome. A nil report with a non-nil runErr marks a run
// that failed before any message was processed.
func (s *syncRunStore) Finish(ctx context.Context, id int64, report *model.SyncReport, runErr error) error {
	status := model.SyncRunSucceeded
	var errMsg *string
	if runErr != nil {
		status = model.SyncRunFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	var total, created, existing, errCount int
	if report != nil {
		total, created, existing, errCount = report.TotalFound, report.Created, report.AlreadyExisting, len(report.Errors)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, total_found = $3, created = $4, already_existing = $5,
		    error_count = $6, error = $7, finished_at = now()
		WHERE id = $1`,
		id, string(status), total, created, existing, errCount, errMsg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *syncRunStore) ListRecent(ctx context.Context, limit int32) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, trigger, status, total_found, created, already_existing, error_count, error, started_at, finished_at
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []model.SyncRun{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	runs := make([]model.SyncRun, 0, limit)
	for rows.Next() {
		var (
			run    model.SyncRun
			status string
		)
		if err := rows.Scan(&run.ID, &run.Trigger, &status, &run.TotalFound, &run.Created,
			&run.AlreadyExisting, &run.ErrorCount, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Status = model.SyncRunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
