package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/metrics"
	"github.com/telex-ph/bug-reporting/internal/model"
)

// RedisPublisher appends notification events to a capped Redis stream. Every
// server replica tails the stream and hands events to its own hub.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, event model.NotificationEvent) error {
	values, err := EncodeEvent(event, logger.TraceID(ctx))
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	slog.DebugContext(ctx, "event published", "kind", event.Kind, "stream", p.stream)
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// EncodeEvent builds the stream entry fields for event.
func EncodeEvent(event model.NotificationEvent, traceID string) (map[string]any, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	values := map[string]any{
		"kind":  string(event.Kind),
		"event": string(data),
	}
	if traceID != "" {
		values["trace_id"] = traceID
	}
	return values, nil
}
