package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/service"
)

// Syncer is the slice of service.IngestService the poller drives.
type Syncer interface {
	Sync(ctx context.Context, trigger string) (*model.SyncReport, error)
}

// Poller runs a sync at start and then on every tick. The upstream mailbox
// has no push mechanism, so polling is the only trigger besides the manual
// endpoint.
type Poller struct {
	syncer   Syncer
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPoller(syncer Syncer, interval time.Duration) *Poller {
	return &Poller{
		syncer:    syncer,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "bugs.worker.poller",
	})

	defer close(p.stoppedCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.InfoContext(ctx, "poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollSafe(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "poller stopping")
			return
		case <-ticker.C:
			p.pollSafe(ctx)
		}
	}
}

// Stop stops waiting on any in-flight sync and returns once Run has. The run
// itself is drained by the ingest service's Shutdown.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

func (p *Poller) pollSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in sync", "panic", fmt.Sprint(r))
		}
	}()

	_, err := p.syncer.Sync(ctx, service.TriggerSchedule)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrSyncInProgress), errors.Is(err, service.ErrIngestClosed), errors.Is(err, context.Canceled):
		slog.DebugContext(ctx, "scheduled sync skipped", "reason", err)
	default:
		slog.ErrorContext(ctx, "scheduled sync failed", "error", err)
	}
}
