package store

import (
	"github.com/telex-ph/bug-reporting/core/db"
)

// Stores hands out typed stores bound to one connection or transaction.
type Stores struct {
	db db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{db: conn}
}

func (s *Stores) Issues() IssueStore {
	return newIssueStore(s.db)
}

func (s *Stores) Operators() OperatorStore {
	return newOperatorStore(s.db)
}

func (s *Stores) Sessions() SessionStore {
	return newSessionStore(s.db)
}

func (s *Stores) SyncRuns() SyncRunStore {
	return newSyncRunStore(s.db)
}
