package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/workos/workos-go/v6/pkg/usermanagement"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/store"
)

var (
	ErrInvalidCode      = errors.New("invalid authorization code")
	ErrSessionExpired   = errors.New("session expired")
	ErrOperatorInactive = errors.New("operator is inactive")
	ErrMalformedSession = errors.New("malformed session credential")
)

const sessionTTL = 7 * 24 * time.Hour

type AuthService interface {
	GetAuthorizationURL(state string) (string, error)
	HandleCallback(ctx context.Context, code string) (*model.Operator, *model.Session, error)
	ValidateSession(ctx context.Context, sessionID int64) (*model.Operator, error)
	Logout(ctx context.Context, sessionID int64) error
	// Authenticate resolves a bearer credential (a session id) to the
	// operator id used as the live-channel subscriber id.
	Authenticate(ctx context.Context, credential string) (string, error)
}

// CodeExchanger trades an authorization code for the identity provider's user.
type CodeExchanger func(ctx context.Context, code string) (usermanagement.User, error)

type authService struct {
	operators store.OperatorStore
	sessions  store.SessionStore
	txRunner  TxRunner
	cfg       config.WorkOSConfig
	exchange  CodeExchanger
}

func NewAuthService(
	operators store.OperatorStore,
	sessions store.SessionStore,
	txRunner TxRunner,
	cfg config.WorkOSConfig,
) AuthService {
	usermanagement.SetAPIKey(cfg.APIKey)
	return NewAuthServiceWithExchanger(operators, sessions, txRunner, cfg, workOSExchanger(cfg))
}

// NewAuthServiceWithExchanger swaps the WorkOS code exchange, mainly for tests.
func NewAuthServiceWithExchanger(
	operators store.OperatorStore,
	sessions store.SessionStore,
	txRunner TxRunner,
	cfg config.WorkOSConfig,
	exchange CodeExchanger,
) AuthService {
	return &authService{
		operators: operators,
		sessions:  sessions,
		txRunner:  txRunner,
		cfg:       cfg,
		exchange:  exchange,
	}
}

func workOSExchanger(cfg config.WorkOSConfig) CodeExchanger {
	return func(ctx context.Context, code string) (usermanagement.User, error) {
		resp, err := usermanagement.AuthenticateWithCode(ctx, usermanagement.AuthenticateWithCodeOpts{
			ClientID: cfg.ClientID,
			Code:     code,
		})
		if err != nil {
			return usermanagement.User{}, err
		}
		return resp.User, nil
	}
}

func (s *authService) GetAuthorizationURL(state string) (string, error) {
	url, err := usermanagement.GetAuthorizationURL(usermanagement.GetAuthorizationURLOpts{
		ClientID:    s.cfg.ClientID,
		RedirectURI: s.cfg.RedirectURI,
		State:       state,
		Provider:    "authkit",
	})
	if err != nil {
		return "", fmt.Errorf("generating authorization URL: %w", err)
	}
	return url.String(), nil
}

// HandleCallback upserts the operator and opens a session in one transaction.
func (s *authService) HandleCallback(ctx context.Context, code string) (*model.Operator, *model.Session, error) {
	workosUser, err := s.exchange(ctx, code)
	if err != nil {
		slog.ErrorContext(ctx, "failed to authenticate with code", "error", err)
		return nil, nil, ErrInvalidCode
	}

	operator := &model.Operator{
		ID:       id.New(),
		Name:     buildOperatorName(workosUser),
		Email:    workosUser.Email,
		WorkOSID: &workosUser.ID,
	}
	session := &model.Session{
		ID:        id.New(),
		ExpiresAt: time.Now().Add(sessionTTL),
	}

	err = s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if err := sp.Operators().Upsert(ctx, operator); err != nil {
			return fmt.Errorf("upserting operator: %w", err)
		}
		if !operator.IsActive {
			return ErrOperatorInactive
		}
		session.OperatorID = operator.ID
		if err := sp.Sessions().Create(ctx, session); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to open operator session",
			"error", err,
			"email", operator.Email,
			"workos_id", workosUser.ID,
		)
		return nil, nil, err
	}

	slog.InfoContext(ctx, "operator authenticated",
		"operator_id", operator.ID,
		"session_id", session.ID,
	)
	return operator, session, nil
}

func (s *authService) ValidateSession(ctx context.Context, sessionID int64) (*model.Operator, error) {
	session, err := s.sessions.GetValid(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	operator, err := s.operators.GetByID(ctx, session.OperatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("getting operator: %w", err)
	}
	if !operator.IsActive {
		return nil, ErrOperatorInactive
	}

	return operator, nil
}

func (s *authService) Logout(ctx context.Context, sessionID int64) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *authService) Authenticate(ctx context.Context, credential string) (string, error) {
	sessionID, err := id.Parse(credential)
	if err != nil {
		return "", ErrMalformedSession
	}
	operator, err := s.ValidateSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(operator.ID, 10), nil
}

func buildOperatorName(user usermanagement.User) string {
	if user.FirstName != "" && user.LastName != "" {
		return user.FirstName + " " + user.LastName
	}
	if user.FirstName != "" {
		return user.FirstName
	}
	if user.LastName != "" {
		return user.LastName
	}
	return user.Email
}
