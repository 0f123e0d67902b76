package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/telex-ph/bug-reporting/common/logger"
)

// ExpiredSessionDeleter is the slice of store.SessionStore the reaper uses.
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionReaper periodically deletes expired operator sessions.
type SessionReaper struct {
	sessions ExpiredSessionDeleter
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSessionReaper(sessions ExpiredSessionDeleter, interval time.Duration) *SessionReaper {
	return &SessionReaper{
		sessions:  sessions,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reaper loop. Blocks until Stop() is called or ctx ends.
func (r *SessionReaper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bugs.worker.session_reaper",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			deleted, err := r.sessions.DeleteExpired(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "deleting expired sessions", "error", err)
				continue
			}
			if deleted > 0 {
				slog.InfoContext(ctx, "expired sessions deleted", "count", deleted)
			}
		}
	}
}

// Stop signals the reaper to stop and waits for it.
func (r *SessionReaper) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}
