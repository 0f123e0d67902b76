package service

import (
	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/store"
)

type Services struct {
	stores    *store.Stores
	txRunner  TxRunner
	events    EventPublisher
	workOSCfg config.WorkOSConfig
}

func NewServices(stores *store.Stores, txRunner TxRunner, events EventPublisher, workOSCfg config.WorkOSConfig) *Services {
	return &Services{
		stores:    stores,
		txRunner:  txRunner,
		events:    events,
		workOSCfg: workOSCfg,
	}
}

func (s *Services) Auth() AuthService {
	return NewAuthService(
		s.stores.Operators(),
		s.stores.Sessions(),
		s.txRunner,
		s.workOSCfg,
	)
}

func (s *Services) Issues() IssueService {
	return NewIssueService(s.stores.Issues(), s.stores.Operators(), s.events)
}
