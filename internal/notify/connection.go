package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telex-ph/bug-reporting/common/logger"
)

// Close codes sent to the peer.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Transport is one live, bidirectional channel to a subscriber.
// Send and Receive may be called concurrently with each other and with Ping.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}

// Connection is a registry entry. It owns a bounded FIFO queue drained by a
// single writer goroutine, so a slow peer only ever blocks itself.
type Connection struct {
	ID           string
	SubscriberID string
	ConnectedAt  time.Time

	hub       *Hub
	transport Transport
	queue     chan Envelope
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	missed  atomic.Int32
	probing atomic.Bool
}

func newConnection(h *Hub, subscriberID string, t Transport) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	connID := uuid.NewString()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SubscriberID: &subscriberID,
		ConnectionID: &connID,
		Component:    "notify",
	})

	return &Connection{
		ID:           connID,
		SubscriberID: subscriberID,
		ConnectedAt:  time.Now().UTC(),
		hub:          h,
		transport:    t,
		queue:        make(chan Envelope, h.opts.SendBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Done is closed once the connection has been unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// enqueue never blocks. It reports false when the connection is closed or its
// queue is full.
func (c *Connection) enqueue(env Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.queue <- env:
		return true
	default:
		return false
	}
}

func (c *Connection) start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.queue:
			ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.SendTimeout)
			err := c.transport.Send(ctx, env)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					slog.WarnContext(c.ctx, "notification send failed, dropping connection", "error", err, "type", env.Type)
					c.hub.drop(c, "send_failed", CloseGoingAway, "send failed")
				}
				return
			}
		}
	}
}

func (c *Connection) readLoop() {
	for {
		env, err := c.transport.Receive(c.ctx)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				slog.DebugContext(c.ctx, "ignoring malformed frame", "error", err)
				continue
			}
			if c.ctx.Err() == nil {
				slog.InfoContext(c.ctx, "subscriber disconnected", "error", err)
				c.hub.Unregister(c)
			}
			return
		}

		c.missed.Store(0)

		switch env.Type {
		case TypePing:
			c.enqueue(Envelope{Type: TypePong, Timestamp: time.Now().UTC()})
		default:
			slog.DebugContext(c.ctx, "ignoring unknown inbound type", "type", env.Type)
		}
	}
}

// probe runs one heartbeat. Overlapping probes on the same connection are
// skipped so a stalled peer accrues at most one miss per interval.
func (c *Connection) probe(timeout time.Duration, maxMissed int) {
	if !c.probing.CompareAndSwap(false, true) {
		if c.missed.Add(1) >= int32(maxMissed) {
			c.hub.drop(c, "heartbeat", CloseGoingAway, "heartbeat timeout")
		}
		return
	}
	defer c.probing.Store(false)

	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()

	if err := c.transport.Ping(ctx); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		missed := c.missed.Add(1)
		slog.DebugContext(c.ctx, "heartbeat missed", "missed", missed, "error", err)
		if missed >= int32(maxMissed) {
			c.hub.drop(c, "heartbeat", CloseGoingAway, "heartbeat timeout")
		}
		return
	}
	c.missed.Store(0)
}

func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.transport.Close(code, reason); err != nil {
			slog.DebugContext(c.ctx, "closing transport", "error", err)
		}
	})
}
