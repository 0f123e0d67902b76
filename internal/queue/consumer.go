package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/model"
)

// Dispatcher receives relayed events. *notify.Hub satisfies it.
type Dispatcher interface {
	Dispatch(event model.NotificationEvent) int
}

// StreamReader is the part of *redis.Client the relay needs.
type StreamReader interface {
	XInfoStream(ctx context.Context, key string) *redis.XInfoStreamCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

type RelayConfig struct {
	Stream    string        // Redis stream name
	BatchSize int64         // Entries read per XREAD
	Block     time.Duration // How long one XREAD waits for new entries
	Backoff   time.Duration // Pause after a failed read
}

// EventRelay tails the notification stream and dispatches each entry to the
// local hub. It reads without a consumer group because every replica must see
// every event; entries published while no replica is running are not
// replayed.
type EventRelay struct {
	client StreamReader
	cfg    RelayConfig
	hub    Dispatcher
}

func NewEventRelay(client StreamReader, cfg RelayConfig, hub Dispatcher) *EventRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &EventRelay{client: client, cfg: cfg, hub: hub}
}

// Run blocks until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "bugs.queue.relay"})
	slog.InfoContext(ctx, "event relay started", "stream", r.cfg.Stream)

	// Reads always name a concrete id, never "$", so nothing published
	// between two reads is skipped, not even after a read that timed out.
	lastID, ok := r.startID(ctx)
	if !ok {
		slog.InfoContext(ctx, "event relay stopped")
		return
	}
	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "event relay stopped")
			return
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.cfg.Stream, lastID},
			Count:   r.cfg.BatchSize,
			Block:   r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.WarnContext(ctx, "reading event stream", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.Backoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				r.dispatch(ctx, msg)
			}
		}
	}
}

// startID is the id of the newest entry already in the stream, or "0-0" when
// the stream does not exist yet. It retries until Redis answers or ctx ends.
func (r *EventRelay) startID(ctx context.Context) (string, bool) {
	for {
		info, err := r.client.XInfoStream(ctx, r.cfg.Stream).Result()
		switch {
		case err == nil:
			if info.LastGeneratedID == "" {
				return "0-0", true
			}
			return info.LastGeneratedID, true
		case isNoSuchKey(err):
			return "0-0", true
		case ctx.Err() != nil:
			return "", false
		}

		slog.WarnContext(ctx, "reading event stream position", "error", err)
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(r.cfg.Backoff):
		}
	}
}

func isNoSuchKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such key")
}

func (r *EventRelay) dispatch(ctx context.Context, msg redis.XMessage) {
	event, traceID, err := ParseEvent(msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse event", "error", err, "raw_message_id", msg.ID)
		return
	}

	sc := logger.StartSpanFromTraceID(ctx, traceID, "queue.relay")
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{EventKind: logger.Ptr(string(event.Kind))})

	delivered := r.hub.Dispatch(event)
	slog.DebugContext(ctx, "event relayed", "delivered", delivered, "stream_id", msg.ID)
}

// ParseEvent decodes a stream entry written by EncodeEvent.
func ParseEvent(msg redis.XMessage) (model.NotificationEvent, string, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return model.NotificationEvent{}, "", fmt.Errorf("missing event field in %s", msg.ID)
	}

	var event model.NotificationEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return model.NotificationEvent{}, "", fmt.Errorf("decoding event %s: %w", msg.ID, err)
	}
	if event.Kind == "" {
		return model.NotificationEvent{}, "", fmt.Errorf("event %s has no kind", msg.ID)
	}

	traceID, _ := msg.Values["trace_id"].(string)
	return event, traceID, nil
}
