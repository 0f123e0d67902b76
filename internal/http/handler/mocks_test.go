package handler_test

import (
	"context"

	"github.com/telex-ph/bug-reporting/internal/model"
)

type mockIngestService struct {
	syncFn func(ctx context.Context, trigger string) (*model.SyncReport, error)
}

func (m *mockIngestService) Sync(ctx context.Context, trigger string) (*model.SyncReport, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, trigger)
	}
	return &model.SyncReport{}, nil
}

func (m *mockIngestService) Shutdown(context.Context) error { return nil }

type mockIssueService struct {
	getFn          func(ctx context.Context, issueID int64) (*model.Issue, error)
	listRecentFn   func(ctx context.Context, limit int32) ([]model.Issue, error)
	updateStatusFn func(ctx context.Context, issueID int64, status model.Status) (*model.Issue, error)
	assignFn       func(ctx context.Context, issueID, operatorID int64) (*model.Issue, error)
	addCommentFn   func(ctx context.Context, issueID int64, author *model.Operator, message string) (*model.Issue, error)
}

func (m *mockIssueService) Get(ctx context.Context, issueID int64) (*model.Issue, error) {
	if m.getFn != nil {
		return m.getFn(ctx, issueID)
	}
	return nil, nil
}

func (m *mockIssueService) ListRecent(ctx context.Context, limit int32) ([]model.Issue, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockIssueService) UpdateStatus(ctx context.Context, issueID int64, status model.Status) (*model.Issue, error) {
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, issueID, status)
	}
	return nil, nil
}

func (m *mockIssueService) Assign(ctx context.Context, issueID, operatorID int64) (*model.Issue, error) {
	if m.assignFn != nil {
		return m.assignFn(ctx, issueID, operatorID)
	}
	return nil, nil
}

func (m *mockIssueService) AddComment(ctx context.Context, issueID int64, author *model.Operator, message string) (*model.Issue, error) {
	if m.addCommentFn != nil {
		return m.addCommentFn(ctx, issueID, author, message)
	}
	return nil, nil
}

type mockAuthService struct {
	getAuthorizationURLFn func(state string) (string, error)
	handleCallbackFn      func(ctx context.Context, code string) (*model.Operator, *model.Session, error)
	validateSessionFn     func(ctx context.Context, sessionID int64) (*model.Operator, error)
	logoutFn              func(ctx context.Context, sessionID int64) error
	authenticateFn        func(ctx context.Context, credential string) (string, error)
}

func (m *mockAuthService) GetAuthorizationURL(state string) (string, error) {
	if m.getAuthorizationURLFn != nil {
		return m.getAuthorizationURLFn(state)
	}
	return "https://auth.example.com/authorize?state=" + state, nil
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Operator, *model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, nil, nil
}

func (m *mockAuthService) ValidateSession(ctx context.Context, sessionID int64) (*model.Operator, error) {
	if m.validateSessionFn != nil {
		return m.validateSessionFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID int64) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) Authenticate(ctx context.Context, credential string) (string, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, credential)
	}
	return "", nil
}
