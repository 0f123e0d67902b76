package service_test

import (
	"context"
	"errors"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/workos/workos-go/v6/pkg/usermanagement"

	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/service"
	"github.com/telex-ph/bug-reporting/internal/store"
)

var _ = Describe("AuthService", func() {
	var (
		ctx       context.Context
		operators *mockOperatorStore
		sessions  *mockSessionStore
		exchange  service.CodeExchanger
	)

	newService := func() service.AuthService {
		tx := &mockTxRunner{provider: &mockStoreProvider{operators: operators, sessions: sessions}}
		return service.NewAuthServiceWithExchanger(operators, sessions, tx, config.WorkOSConfig{ClientID: "client"}, exchange)
	}

	BeforeEach(func() {
		ctx = context.Background()
		operators = &mockOperatorStore{}
		sessions = &mockSessionStore{}
		exchange = func(_ context.Context, code string) (usermanagement.User, error) {
			if code != "good" {
				return usermanagement.User{}, errors.New("invalid_grant")
			}
			return usermanagement.User{ID: "user_01", Email: "ana@example.com", FirstName: "Ana", LastName: "Reyes"}, nil
		}
	})

	Describe("HandleCallback", func() {
		It("upserts the operator and opens a week-long session", func() {
			var created *model.Session
			sessions.createFn = func(_ context.Context, s *model.Session) error {
				created = s
				return nil
			}

			op, session, err := newService().HandleCallback(ctx, "good")

			Expect(err).NotTo(HaveOccurred())
			Expect(op.Name).To(Equal("Ana Reyes"))
			Expect(*op.WorkOSID).To(Equal("user_01"))
			Expect(session.OperatorID).To(Equal(op.ID))
			Expect(created).To(BeIdenticalTo(session))
			Expect(session.ExpiresAt).To(BeTemporally("~", time.Now().Add(7*24*time.Hour), time.Minute))
		})

		It("rejects a bad code", func() {
			_, _, err := newService().HandleCallback(ctx, "bad")
			Expect(err).To(MatchError(service.ErrInvalidCode))
		})

		It("refuses a deactivated operator", func() {
			operators.upsertFn = func(_ context.Context, op *model.Operator) error {
				op.IsActive = false
				return nil
			}
			sessionCreated := false
			sessions.createFn = func(context.Context, *model.Session) error {
				sessionCreated = true
				return nil
			}

			_, _, err := newService().HandleCallback(ctx, "good")

			Expect(err).To(MatchError(service.ErrOperatorInactive))
			Expect(sessionCreated).To(BeFalse())
		})
	})

	Describe("Authenticate", func() {
		BeforeEach(func() {
			sessions.getValidFn = func(_ context.Context, id int64) (*model.Session, error) {
				if id == 555 {
					return &model.Session{ID: 555, OperatorID: 42}, nil
				}
				return nil, store.ErrNotFound
			}
			operators.getByIDFn = func(_ context.Context, id int64) (*model.Operator, error) {
				return &model.Operator{ID: id, IsActive: true}, nil
			}
		})

		It("resolves a live session to the operator id", func() {
			subscriber, err := newService().Authenticate(ctx, strconv.Itoa(555))

			Expect(err).NotTo(HaveOccurred())
			Expect(subscriber).To(Equal("42"))
		})

		It("rejects an expired session", func() {
			_, err := newService().Authenticate(ctx, "556")
			Expect(err).To(MatchError(service.ErrSessionExpired))
		})

		It("rejects a credential that is not a session id", func() {
			_, err := newService().Authenticate(ctx, "not-a-number")
			Expect(err).To(MatchError(service.ErrMalformedSession))
		})
	})
})
