package queue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/queue"
)

type mockStreamReader struct {
	infoFn func(ctx context.Context, key string) (*redis.XInfoStream, error)
	readFn func(ctx context.Context, call int) ([]redis.XStream, error)

	mu  sync.Mutex
	ids []string
}

func (m *mockStreamReader) XInfoStream(ctx context.Context, key string) *redis.XInfoStreamCmd {
	cmd := redis.NewXInfoStreamCmd(ctx, key)
	info, err := m.infoFn(ctx, key)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(info)
	return cmd
}

func (m *mockStreamReader) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	m.mu.Lock()
	m.ids = append(m.ids, a.Streams[1])
	call := len(m.ids)
	m.mu.Unlock()

	streams, err := m.readFn(ctx, call)
	return redis.NewXStreamSliceCmdResult(streams, err)
}

func (m *mockStreamReader) ReadIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

type dispatchRecorder struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (d *dispatchRecorder) Dispatch(event model.NotificationEvent) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return 1
}

func (d *dispatchRecorder) Kinds() []model.EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	kinds := make([]model.EventKind, 0, len(d.events))
	for _, e := range d.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

var _ = Describe("EventRelay", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		hub    *dispatchRecorder
	)

	// idle stands in for a blocking XREAD that timed out.
	idle := func(ctx context.Context) ([]redis.XStream, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, redis.Nil
		}
	}

	start := func(client *mockStreamReader) {
		relay := queue.NewEventRelay(client, queue.RelayConfig{Stream: "bugs:events", Backoff: 5 * time.Millisecond}, hub)
		go relay.Run(ctx)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		hub = &dispatchRecorder{}
	})

	AfterEach(func() {
		cancel()
	})

	It("starts after the newest entry and keeps that id across timed out reads", func() {
		client := &mockStreamReader{
			infoFn: func(context.Context, string) (*redis.XInfoStream, error) {
				return &redis.XInfoStream{LastGeneratedID: "5-0"}, nil
			},
			readFn: func(ctx context.Context, _ int) ([]redis.XStream, error) { return idle(ctx) },
		}
		start(client)

		Eventually(client.ReadIDs).Should(HaveLen(3))
		Expect(client.ReadIDs()[:3]).To(HaveEach("5-0"))
	})

	It("reads from the beginning when the stream does not exist yet", func() {
		client := &mockStreamReader{
			infoFn: func(context.Context, string) (*redis.XInfoStream, error) {
				return nil, errors.New("ERR no such key")
			},
			readFn: func(ctx context.Context, _ int) ([]redis.XStream, error) { return idle(ctx) },
		}
		start(client)

		Eventually(client.ReadIDs).ShouldNot(BeEmpty())
		Expect(client.ReadIDs()[0]).To(Equal("0-0"))
	})

	It("retries the stream position until redis answers", func() {
		var mu sync.Mutex
		attempts := 0
		client := &mockStreamReader{
			infoFn: func(context.Context, string) (*redis.XInfoStream, error) {
				mu.Lock()
				defer mu.Unlock()
				attempts++
				if attempts < 3 {
					return nil, errors.New("connection refused")
				}
				return &redis.XInfoStream{LastGeneratedID: "9-1"}, nil
			},
			readFn: func(ctx context.Context, _ int) ([]redis.XStream, error) { return idle(ctx) },
		}
		start(client)

		Eventually(client.ReadIDs).ShouldNot(BeEmpty())
		Expect(client.ReadIDs()[0]).To(Equal("9-1"))
	})

	It("dispatches entries and continues after the last one seen", func() {
		values, err := queue.EncodeEvent(model.NotificationEvent{Kind: model.EventStatusChanged}, "")
		Expect(err).NotTo(HaveOccurred())

		client := &mockStreamReader{
			infoFn: func(context.Context, string) (*redis.XInfoStream, error) {
				return &redis.XInfoStream{LastGeneratedID: "0-0"}, nil
			},
			readFn: func(ctx context.Context, call int) ([]redis.XStream, error) {
				if call == 1 {
					return []redis.XStream{{
						Stream:   "bugs:events",
						Messages: []redis.XMessage{{ID: "7-0", Values: values}},
					}}, nil
				}
				return idle(ctx)
			},
		}
		start(client)

		Eventually(hub.Kinds).Should(Equal([]model.EventKind{model.EventStatusChanged}))
		Eventually(client.ReadIDs).Should(HaveLen(3))
		Expect(client.ReadIDs()[1:3]).To(HaveEach("7-0"))
	})
})
