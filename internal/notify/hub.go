package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/metrics"
	"github.com/telex-ph/bug-reporting/internal/model"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrHubClosed    = errors.New("notification hub is shut down")
	errNoCredential = errors.New("no credential presented")
)

// Authenticator resolves a presented credential to a subscriber id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (subscriberID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

type Options struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	SendTimeout       time.Duration
	SendBuffer        int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.MaxMissed <= 0 {
		o.MaxMissed = 3
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// Stats mirrors the health payload the dashboard polls.
type Stats struct {
	TotalConnections int       `json:"totalConnections"`
	ConnectedUsers   int       `json:"connectedUsers"`
	Timestamp        time.Time `json:"timestamp"`
}

// Hub is the registry of live subscriber connections. Delivery takes a
// snapshot under the read lock and enqueues outside it, so register and
// unregister never wait on a send.
type Hub struct {
	auth Authenticator
	opts Options

	mu     sync.RWMutex
	subs   map[string]map[string]*Connection
	closed bool
}

func NewHub(auth Authenticator, opts Options) *Hub {
	return &Hub{
		auth: auth,
		opts: opts.withDefaults(),
		subs: make(map[string]map[string]*Connection),
	}
}

// Register authenticates credential and admits t. On failure t is closed with
// a policy-violation code and ErrAuth is returned; the transport is never
// added to the registry. The first envelope a new connection receives is
// "connected".
func (h *Hub) Register(ctx context.Context, credential string, t Transport) (*Connection, error) {
	credential = strings.TrimSpace(credential)

	var (
		subscriberID string
		err          error
	)
	if credential == "" {
		err = errNoCredential
	} else {
		subscriberID, err = h.auth.Authenticate(ctx, credential)
	}
	if err == nil && subscriberID == "" {
		err = errors.New("credential resolved to no subscriber")
	}
	if err != nil {
		reason := "Invalid token"
		if errors.Is(err, errNoCredential) {
			reason = "Authentication required"
		}
		_ = t.Close(ClosePolicyViolation, reason)
		metrics.ConnectionsRejected.Inc()
		slog.InfoContext(ctx, "notification connection rejected", "reason", reason, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	c := newConnection(h, subscriberID, t)
	c.enqueue(Envelope{
		Type:      TypeConnected,
		Message:   "Connected to real-time notifications",
		Timestamp: time.Now().UTC(),
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(CloseTryAgainLater, "server shutting down")
		return nil, ErrHubClosed
	}
	conns, ok := h.subs[subscriberID]
	if !ok {
		conns = make(map[string]*Connection)
		h.subs[subscriberID] = conns
	}
	conns[c.ID] = c
	total := h.totalLocked()
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	c.start()

	slog.InfoContext(c.ctx, "subscriber connected", "total_connections", total)
	return c, nil
}

// Unregister removes c and closes its transport. It is idempotent and safe to
// call concurrently with delivery.
func (h *Hub) Unregister(c *Connection) bool {
	return h.remove(c, CloseNormal, "")
}

func (h *Hub) drop(c *Connection, reason string, code int, text string) {
	if h.remove(c, code, text) {
		metrics.ConnectionsDropped.WithLabelValues(reason).Inc()
		slog.WarnContext(c.ctx, "connection dropped", "reason", reason)
	}
}

func (h *Hub) remove(c *Connection, code int, reason string) bool {
	h.mu.Lock()
	removed := false
	if conns, ok := h.subs[c.SubscriberID]; ok {
		if _, ok := conns[c.ID]; ok {
			delete(conns, c.ID)
			removed = true
			if len(conns) == 0 {
				delete(h.subs, c.SubscriberID)
			}
		}
	}
	h.mu.Unlock()

	if removed {
		metrics.ActiveConnections.Dec()
	}
	c.close(code, reason)
	return removed
}

// NotifyOne queues event to every live connection of subjectID and returns how
// many accepted it. Zero means the subject is offline, which is not an error.
func (h *Hub) NotifyOne(subjectID string, event model.NotificationEvent) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.subs[subjectID]))
	for _, c := range h.subs[subjectID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, TypeNotification, event)
}

// Broadcast queues event to every live connection.
func (h *Hub) Broadcast(event model.NotificationEvent) int {
	return h.deliver(h.snapshot(), TypeBroadcast, event)
}

// Dispatch routes an event by its SubjectID: targeted when set, broadcast
// otherwise.
func (h *Hub) Dispatch(event model.NotificationEvent) int {
	if event.SubjectID != "" {
		return h.NotifyOne(event.SubjectID, event)
	}
	return h.Broadcast(event)
}

func (h *Hub) deliver(targets []*Connection, envType string, event model.NotificationEvent) int {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env := Envelope{Type: envType, Data: wireData(event), Timestamp: ts}

	delivered := 0
	for _, c := range targets {
		if c.enqueue(env) {
			delivered++
			continue
		}
		select {
		case <-c.Done():
		default:
			h.drop(c, "backpressure", CloseTryAgainLater, "client too slow")
		}
	}

	metrics.EventsDelivered.WithLabelValues(envType).Add(float64(delivered))
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		Component: "bugs.notify.hub",
		EventKind: logger.Ptr(string(event.Kind)),
	})
	slog.DebugContext(ctx, "notification queued", "type", envType, "delivered", delivered, "targets", len(targets))
	return delivered
}

// Run drives the heartbeat until ctx is cancelled. Every interval each live
// connection is pinged; one that misses MaxMissed consecutive probes is
// unregistered.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Heartbeat probes every connection once without waiting for the results.
func (h *Hub) Heartbeat() {
	for _, c := range h.snapshot() {
		go c.probe(h.opts.HeartbeatInterval, h.opts.MaxMissed)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		TotalConnections: h.totalLocked(),
		ConnectedUsers:   len(h.subs),
		Timestamp:        time.Now().UTC(),
	}
}

// Shutdown closes every connection with a going-away code and refuses new
// registrations.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, c := range h.snapshot() {
		h.remove(c, CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Connection, 0, h.totalLocked())
	for _, conns := range h.subs {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) totalLocked() int {
	total := 0
	for _, conns := range h.subs {
		total += len(conns)
	}
	return total
}
