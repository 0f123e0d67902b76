package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/telex-ph/bug-reporting/core/db"
	"github.com/telex-ph/bug-reporting/internal/model"
)

type sessionStore struct {
	db db.DBTX
}

func newSessionStore(conn db.DBTX) SessionStore {
	return &sessionStore{db: conn}
}

func (s *sessionStore) Create(ctx context.Context, session *model.Session) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO operator_sessions (id, operator_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		session.ID, session.OperatorID, session.ExpiresAt,
	).Scan(&session.CreatedAt)
}

func (s *sessionStore) GetValid(ctx context.Context, id int64) (*model.Session, error) {
	var session model.Session
	err := s.db.QueryRow(ctx, `
		SELECT id, operator_id, created_at, expires_at
		FROM operator_sessions
		WHERE id = $1 AND expires_at > now()`, id,
	).Scan(&session.ID, &session.OperatorID, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM operator_sessions WHERE id = $1`, id)
	return err
}

func (s *sessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM operator_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
