package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/model"
)

const operatorColumns = `id, name, email, workos_id, is_active, created_at, updated_at`

type operatorStore struct {
	db db.DBTX
}

func newOperatorStore(conn db.DBTX) OperatorStore {
	return &operatorStore{db: conn}
}

func (s *operatorStore) GetByID(ctx context.Context, id int64) (*model.Operator, error) {
	return s.getOne(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id)
}

func (s *operatorStore) GetByEmail(ctx context.Context, email string) (*model.Operator, error) {
	return s.getOne(ctx, `SELECT `+operatorColumns+` FROM operators WHERE lower(email) = lower($1)`, email)
}

// Upsert creates the operator or refreshes name and WorkOS id for an existing
// email. On conflict the stored ID wins and is written back into op.
func (s *operatorStore) Upsert(ctx context.Context, op *model.Operator) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO operators (id, name, email, workos_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name,
		    workos_id = COALESCE(EXCLUDED.workos_id, operators.workos_id),
		    updated_at = now()
		RETURNING `+operatorColumns,
		op.ID, op.Name, op.Email, op.WorkOSID,
	)
	saved, err := scanOperator(row)
	if err != nil {
		return err
	}
	*op = *saved
	return nil
}

func (s *operatorStore) getOne(ctx context.Context, query string, arg any) (*model.Operator, error) {
	op, err := scanOperator(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return op, nil
}

func scanOperator(row pgx.Row) (*model.Operator, error) {
	var op model.Operator
	if err := row.Scan(&op.ID, &op.Name, &op.Email, &op.WorkOSID, &op.IsActive, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	return &op, nil
}
