package notifyclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/notify"
	"github.com/telex-ph/bug-reporting/internal/notifyclient"
)

type fakeStream struct {
	in     chan notify.Envelope
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []notify.Envelope
	sendErr error
}

func newFakeStream(ack bool) *fakeStream {
	s := &fakeStream{in: make(chan notify.Envelope, 8), closed: make(chan struct{})}
	if ack {
		s.in <- notify.Envelope{Type: notify.TypeConnected}
	} else {
		s.in <- notify.Envelope{Type: notify.TypePong}
	}
	return s
}

func (s *fakeStream) Receive(ctx context.Context) (notify.Envelope, error) {
	select {
	case env := <-s.in:
		return env, nil
	case <-s.closed:
		return notify.Envelope{}, errors.New("stream closed")
	case <-ctx.Done():
		return notify.Envelope{}, ctx.Err()
	}
}

func (s *fakeStream) Send(_ context.Context, env notify.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == notify.TypePing {
			n++
		}
	}
	return n
}

func (s *fakeStream) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// scriptedDialer succeeds unless down is set and remembers the last stream
// and when every dial happened.
type scriptedDialer struct {
	mu    sync.Mutex
	down  bool
	ack   bool
	last  *fakeStream
	dials []time.Time
}

func (d *scriptedDialer) Dial(context.Context) (notifyclient.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	if d.down {
		return nil, errors.New("connection refused")
	}
	d.last = newFakeStream(d.ack)
	return d.last, nil
}

func (d *scriptedDialer) SetDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

func (d *scriptedDialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.dials)
}

func (d *scriptedDialer) Last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

var _ = Describe("Agent", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		dialer *scriptedDialer
		agent  *notifyclient.Agent
	)

	opts := notifyclient.Options{
		BaseDelay:    10 * time.Millisecond,
		MaxAttempts:  3,
		PingInterval: 20 * time.Millisecond,
		DialTimeout:  time.Second,
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		dialer = &scriptedDialer{ack: true}
		agent = notifyclient.NewAgent(dialer, opts)
		go agent.Run(ctx)
	})

	AfterEach(func() {
		cancel()
	})

	It("starts disconnected and connects on demand", func() {
		Expect(agent.State()).To(Equal(notifyclient.Disconnected))

		agent.Connect()

		Eventually(agent.State).Should(Equal(notifyclient.Connected))
		Expect(agent.Dials()).To(Equal(1))
	})

	It("delivers notifications and ignores unknown types", func() {
		agent.Connect()
		Eventually(agent.State).Should(Equal(notifyclient.Connected))

		stream := dialer.Last()
		stream.in <- notify.Envelope{Type: "subscribe"}
		stream.in <- notify.Envelope{Type: notify.TypeBroadcast, Message: "hello"}

		var env notify.Envelope
		Eventually(agent.Events()).Should(Receive(&env))
		Expect(env.Type).To(Equal(notify.TypeBroadcast))
		Expect(agent.State()).To(Equal(notifyclient.Connected))
	})

	It("sends heartbeat pings while connected", func() {
		agent.Connect()
		Eventually(agent.State).Should(Equal(notifyclient.Connected))

		Eventually(dialer.Last().Pings).Should(BeNumerically(">=", 2))
	})

	It("reconnects after the stream drops and resets the attempt count", func() {
		agent.Connect()
		Eventually(agent.State).Should(Equal(notifyclient.Connected))

		_ = dialer.Last().Close()

		Eventually(agent.Dials).Should(Equal(2))
		Eventually(agent.State).Should(Equal(notifyclient.Connected))

		// A full budget is available again after reconnecting.
		dialer.SetDown(true)
		_ = dialer.Last().Close()
		Eventually(agent.State, time.Second).Should(Equal(notifyclient.Failed))
		Expect(agent.Dials()).To(Equal(2 + opts.MaxAttempts))
	})

	It("treats a failed heartbeat as a dropped stream", func() {
		agent.Connect()
		Eventually(agent.State).Should(Equal(notifyclient.Connected))
		first := dialer.Last()

		first.FailSends(errors.New("broken pipe"))

		Eventually(dialer.Last).ShouldNot(BeIdenticalTo(first))
		Eventually(agent.State).Should(Equal(notifyclient.Connected))
	})

	It("gives up after the attempt budget and stays failed", func() {
		dialer.SetDown(true)
		agent.Connect()

		Eventually(agent.State, time.Second).Should(Equal(notifyclient.Failed))
		Expect(agent.Dials()).To(Equal(1 + opts.MaxAttempts))
		Consistently(agent.Dials, 100*time.Millisecond).Should(Equal(1 + opts.MaxAttempts))
	})

	It("waits linearly longer before each retry", func() {
		const base = 40 * time.Millisecond
		timed := &scriptedDialer{down: true}
		slow := notifyclient.NewAgent(timed, notifyclient.Options{BaseDelay: base, MaxAttempts: 3, PingInterval: time.Hour})
		go slow.Run(ctx)

		slow.Connect()
		Eventually(slow.State, 2*time.Second).Should(Equal(notifyclient.Failed))

		at := timed.DialTimes()
		Expect(at).To(HaveLen(4))
		for i := 1; i < len(at); i++ {
			Expect(at[i].Sub(at[i-1])).To(BeNumerically(">=", time.Duration(i)*base), "retry %d", i)
		}
	})

	It("treats a missing connected acknowledgement as a failed handshake", func() {
		dialer.ack = false
		agent.Connect()

		Eventually(agent.State).Should(Equal(notifyclient.Reconnecting))
	})

	It("re-arms from failed when the network comes back", func() {
		dialer.SetDown(true)
		agent.Connect()
		Eventually(agent.State, time.Second).Should(Equal(notifyclient.Failed))

		dialer.SetDown(false)
		agent.NetworkOnline()

		Eventually(agent.State).Should(Equal(notifyclient.Connected))
	})

	It("cancels pending retries on disconnect", func() {
		dialer.SetDown(true)
		slow := notifyclient.NewAgent(dialer, notifyclient.Options{BaseDelay: 50 * time.Millisecond, MaxAttempts: 5, PingInterval: time.Hour})
		go slow.Run(ctx)

		slow.Connect()
		Eventually(slow.State).Should(Equal(notifyclient.Reconnecting))

		slow.Disconnect()

		Eventually(slow.State).Should(Equal(notifyclient.Disconnected))
		dials := slow.Dials()
		Consistently(slow.Dials, 300*time.Millisecond).Should(Equal(dials))
		Expect(slow.State()).To(Equal(notifyclient.Disconnected))
	})

	It("stops pinging after disconnect", func() {
		agent.Connect()
		Eventually(agent.State).Should(Equal(notifyclient.Connected))
		stream := dialer.Last()

		agent.Disconnect()

		pings := stream.Pings()
		Consistently(stream.Pings, 100*time.Millisecond).Should(Equal(pings))
		Expect(agent.Dials()).To(Equal(1))
	})

	It("reports transitions on States", func() {
		agent.Connect()

		Eventually(agent.States()).Should(Receive(Equal(notifyclient.Connecting)))
		Eventually(agent.States()).Should(Receive(Equal(notifyclient.Connected)))
	})
})

var _ = Describe("WebSocketDialer against a hub", func() {
	var (
		hub *notify.Hub
		srv *httptest.Server
	)

	BeforeEach(func() {
		hub = notify.NewHub(notify.AuthenticatorFunc(func(_ context.Context, credential string) (string, error) {
			if subscriber, ok := strings.CutPrefix(credential, "session-"); ok {
				return subscriber, nil
			}
			return "", errors.New("unknown session")
		}), notify.Options{})

		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := notify.Accept(w, r, nil)
			if err != nil {
				return
			}
			c, err := hub.Register(r.Context(), notify.CredentialFromRequest(r), t)
			if err != nil {
				return
			}
			<-c.Done()
		}))
	})

	AfterEach(func() {
		hub.Shutdown()
		srv.Close()
	})

	wsURL := func() string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

	It("receives targeted notifications end to end", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		agent := notifyclient.NewAgent(&notifyclient.WebSocketDialer{URL: wsURL(), Token: "session-77"}, notifyclient.Options{PingInterval: time.Hour})
		go agent.Run(ctx)
		agent.Connect()
		Eventually(agent.State, 2*time.Second).Should(Equal(notifyclient.Connected))

		Expect(hub.NotifyOne("77", model.NotificationEvent{Kind: model.EventAssigned, Title: "Bug assigned"})).To(Equal(1))

		var env notify.Envelope
		Eventually(agent.Events(), 2*time.Second).Should(Receive(&env))
		Expect(env.Type).To(Equal(notify.TypeNotification))
		Expect(string(env.Data.(json.RawMessage))).To(ContainSubstring(`"bug_assigned"`))

		agent.Disconnect()
		Eventually(func() int { return hub.Stats().TotalConnections }, 2*time.Second).Should(BeZero())
	})

	It("never reaches connected with a rejected credential", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		agent := notifyclient.NewAgent(&notifyclient.WebSocketDialer{URL: wsURL(), Token: "forged"}, notifyclient.Options{
			BaseDelay:   10 * time.Millisecond,
			MaxAttempts: 2,
		})
		go agent.Run(ctx)
		agent.Connect()

		Eventually(agent.State, 3*time.Second).Should(Equal(notifyclient.Failed))
		Expect(agent.Dials()).To(Equal(3))
	})
})
