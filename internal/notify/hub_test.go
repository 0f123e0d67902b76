package notify_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/notify"
)

var _ = Describe("Hub", func() {
	var (
		ctx context.Context
		hub *notify.Hub
	)

	// Credentials look like "valid:<subscriber>".
	auth := notify.AuthenticatorFunc(func(_ context.Context, credential string) (string, error) {
		subscriber, ok := strings.CutPrefix(credential, "valid:")
		if !ok {
			return "", errors.New("unknown session")
		}
		return subscriber, nil
	})

	event := func(kind model.EventKind) model.NotificationEvent {
		return model.NotificationEvent{Kind: kind, Title: "t", Message: "m", Timestamp: time.Now().UTC()}
	}

	register := func(credential string) (*notify.Connection, *fakeTransport) {
		t := newFakeTransport()
		c, err := hub.Register(ctx, credential, t)
		Expect(err).NotTo(HaveOccurred())
		return c, t
	}

	BeforeEach(func() {
		ctx = context.Background()
		hub = notify.NewHub(auth, notify.Options{
			HeartbeatInterval: time.Hour,
			MaxMissed:         2,
			SendTimeout:       time.Minute,
			SendBuffer:        4,
		})
	})

	AfterEach(func() {
		hub.Shutdown()
	})

	Describe("Register", func() {
		It("closes the transport with a policy violation on a bad credential", func() {
			t := newFakeTransport()

			c, err := hub.Register(ctx, "forged", t)

			Expect(c).To(BeNil())
			Expect(err).To(MatchError(notify.ErrAuth))
			Expect(t.IsClosed()).To(BeTrue())
			Expect(t.CloseCode()).To(Equal(notify.ClosePolicyViolation))
			Expect(t.CloseReason()).To(Equal("Invalid token"))
			Expect(hub.Stats().TotalConnections).To(BeZero())
		})

		It("refuses a missing credential without consulting the authenticator", func() {
			called := false
			hub = notify.NewHub(notify.AuthenticatorFunc(func(context.Context, string) (string, error) {
				called = true
				return "x", nil
			}), notify.Options{})
			t := newFakeTransport()

			_, err := hub.Register(ctx, "  ", t)

			Expect(err).To(MatchError(notify.ErrAuth))
			Expect(called).To(BeFalse())
			Expect(t.CloseReason()).To(Equal("Authentication required"))
		})

		It("sends connected before anything else", func() {
			_, t := register("valid:ana")
			hub.Broadcast(event(model.EventNewIssueFromSource))

			Eventually(t.SentTypes).Should(Equal([]string{notify.TypeConnected, notify.TypeBroadcast}))
		})

		It("tracks multiple connections per subscriber", func() {
			register("valid:ana")
			register("valid:ana")
			register("valid:ben")

			stats := hub.Stats()
			Expect(stats.TotalConnections).To(Equal(3))
			Expect(stats.ConnectedUsers).To(Equal(2))
		})

		It("refuses registrations after shutdown", func() {
			hub.Shutdown()
			t := newFakeTransport()

			_, err := hub.Register(ctx, "valid:ana", t)

			Expect(err).To(MatchError(notify.ErrHubClosed))
			Expect(t.IsClosed()).To(BeTrue())
		})
	})

	Describe("delivery", func() {
		It("fans out to every connection of the subject and stops after unregister", func() {
			a, ta := register("valid:ana")
			_, tb := register("valid:ana")

			Expect(hub.NotifyOne("ana", event(model.EventAssigned))).To(Equal(2))
			Eventually(ta.SentTypes).Should(ContainElement(notify.TypeNotification))
			Eventually(tb.SentTypes).Should(ContainElement(notify.TypeNotification))

			Expect(hub.Unregister(a)).To(BeTrue())
			Expect(hub.Unregister(a)).To(BeFalse())

			Expect(hub.NotifyOne("ana", event(model.EventAssigned))).To(Equal(1))
			Eventually(func() int { return countType(tb.Sent(), notify.TypeNotification) }).Should(Equal(2))
			Consistently(func() int { return countType(ta.Sent(), notify.TypeNotification) }, 50*time.Millisecond).Should(Equal(1))
			Expect(ta.IsClosed()).To(BeTrue())
		})

		It("drops the subscriber entry with its last connection", func() {
			a, _ := register("valid:ana")
			hub.Unregister(a)

			Expect(hub.Stats().ConnectedUsers).To(BeZero())
			Eventually(a.Done()).Should(BeClosed())
		})

		It("returns zero for an offline subject", func() {
			register("valid:ana")
			Expect(hub.NotifyOne("ben", event(model.EventAssigned))).To(BeZero())
		})

		It("broadcasts across subjects", func() {
			_, ta := register("valid:ana")
			_, tb := register("valid:ben")

			Expect(hub.Broadcast(event(model.EventNewIssueFromSource))).To(Equal(2))
			Eventually(ta.SentTypes).Should(ContainElement(notify.TypeBroadcast))
			Eventually(tb.SentTypes).Should(ContainElement(notify.TypeBroadcast))
		})

		It("logs each delivery with the event kind", func() {
			rec := &recordingHandler{}
			previous := slog.Default()
			slog.SetDefault(slog.New(logger.NewTraceHandler(rec)))
			DeferCleanup(func() { slog.SetDefault(previous) })

			register("valid:ana")
			hub.Broadcast(event(model.EventStatusChanged))

			attrs := rec.Find("notification queued")
			Expect(attrs).NotTo(BeNil())
			Expect(attrs).To(HaveKeyWithValue("event_kind", string(model.EventStatusChanged)))
			Expect(attrs).To(HaveKeyWithValue("component", "bugs.notify.hub"))
		})

		It("routes by subject on Dispatch", func() {
			_, ta := register("valid:ana")
			_, tb := register("valid:ben")

			targeted := event(model.EventAssigned)
			targeted.SubjectID = "ben"

			Expect(hub.Dispatch(targeted)).To(Equal(1))
			Eventually(tb.SentTypes).Should(ContainElement(notify.TypeNotification))
			Consistently(ta.SentTypes, 50*time.Millisecond).ShouldNot(ContainElement(notify.TypeNotification))
		})

		It("preserves emission order per connection", func() {
			_, t := register("valid:ana")
			for _, kind := range []model.EventKind{model.EventNewIssueFromSource, model.EventStatusChanged, model.EventAssigned} {
				hub.Broadcast(event(kind))
			}

			Eventually(func() []string {
				var kinds []string
				for _, env := range t.Sent() {
					if data, ok := env.Data.(map[string]any); ok {
						kinds = append(kinds, data["type"].(string))
					}
				}
				return kinds
			}).Should(Equal([]string{"new_bug_outlook", "bug_status_change", "bug_assigned"}))
		})

		It("drops a slow connection without delaying the others", func() {
			_, fast := register("valid:fast")
			slowConn, slow := register("valid:slow")
			slow.BlockSends()

			var spent time.Duration
			for i := range 10 {
				start := time.Now()
				hub.Broadcast(event(model.EventNewIssueFromSource))
				spent += time.Since(start)
				Eventually(func() int { return countType(fast.Sent(), notify.TypeBroadcast) }).Should(Equal(i + 1))
			}

			Expect(spent).To(BeNumerically("<", time.Second))
			Eventually(slowConn.Done()).Should(BeClosed())
			Expect(slow.CloseCode()).To(Equal(notify.CloseTryAgainLater))
			Expect(hub.Stats().TotalConnections).To(Equal(1))
		})

		It("survives concurrent broadcast and unregister", func() {
			conns := make([]*notify.Connection, 0, 20)
			for range 20 {
				c, _ := register("valid:ana")
				conns = append(conns, c)
			}

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for range 50 {
					hub.Broadcast(event(model.EventStatusChanged))
				}
			}()
			go func() {
				defer wg.Done()
				for _, c := range conns {
					hub.Unregister(c)
				}
			}()
			wg.Wait()

			Expect(hub.Stats().TotalConnections).To(BeZero())
		})
	})

	Describe("inbound frames", func() {
		It("answers ping with pong", func() {
			_, t := register("valid:ana")
			t.inbound <- notify.Envelope{Type: notify.TypePing}

			Eventually(t.SentTypes).Should(ContainElement(notify.TypePong))
		})

		It("ignores unknown types and keeps the connection", func() {
			c, t := register("valid:ana")
			t.inbound <- notify.Envelope{Type: "subscribe"}
			t.inbound <- notify.Envelope{Type: notify.TypePing}

			Eventually(t.SentTypes).Should(ContainElement(notify.TypePong))
			Expect(c.Done()).NotTo(BeClosed())
		})

		It("unregisters when the peer goes away", func() {
			c, t := register("valid:ana")
			_ = t.Close(notify.CloseNormal, "")

			Eventually(c.Done()).Should(BeClosed())
			Expect(hub.Stats().TotalConnections).To(BeZero())
		})
	})

	Describe("heartbeat", func() {
		It("evicts a connection that misses consecutive probes", func() {
			c, t := register("valid:ana")
			t.FailPings(errors.New("no pong"))

			hub.Heartbeat()
			Eventually(t.Pings).Should(Equal(1))
			Expect(c.Done()).NotTo(BeClosed())

			hub.Heartbeat()
			Eventually(c.Done()).Should(BeClosed())
			Expect(t.CloseCode()).To(Equal(notify.CloseGoingAway))
		})

		It("keeps a responsive connection", func() {
			c, t := register("valid:ana")

			for i := range 5 {
				hub.Heartbeat()
				Eventually(t.Pings).Should(Equal(i + 1))
			}

			Consistently(c.Done(), 50*time.Millisecond).ShouldNot(BeClosed())
		})
	})
})

func countType(envs []notify.Envelope, typ string) int {
	n := 0
	for _, env := range envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}

// recordingHandler keeps the attributes of every record it sees, by message.
type recordingHandler struct {
	mu      sync.Mutex
	records map[string]map[string]string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]string)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.records == nil {
		h.records = make(map[string]map[string]string)
	}
	h.records[r.Message] = attrs
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) Find(msg string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[msg]
}
