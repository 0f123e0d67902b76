package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telex-ph/bug-reporting/internal/metrics"
)

// ErrSyncInProgress is returned when another process holds the sync lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncLock guards ingestion across processes. Acquire returns a release
// func on success and ErrSyncInProgress when the lock is held elsewhere.
type SyncLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot release a lock taken by the next holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisSyncLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisSyncLock(client *redis.Client, key string, ttl time.Duration) SyncLock {
	return &redisSyncLock{client: client, key: key, ttl: ttl}
}

func (l *redisSyncLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()

	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			slog.WarnContext(ctx, "releasing sync lock", "error", err, "key", l.key)
		}
	}
	return release, nil
}

type noopLock struct{}

// NewNoopLock is used when a single process does all ingestion.
func NewNoopLock() SyncLock {
	return noopLock{}
}

func (noopLock) Acquire(context.Context) (func(), error) {
	return func() {}, nil
}
