package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telex-ph/bug-reporting/common/id"
	"github.com/telex-ph/bug-reporting/common/logger"
	"github.com/telex-ph/bug-reporting/internal/mailbox"
	"github.com/telex-ph/bug-reporting/internal/metrics"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/notify"
	"github.com/telex-ph/bug-reporting/internal/pipeline"
	"github.com/telex-ph/bug-reporting/internal/service/issue_tracker"
	"github.com/telex-ph/bug-reporting/internal/store"
)

// ErrSourceUnavailable means the batch could not be fetched. Nothing was
// persisted and no events were published.
var ErrSourceUnavailable = errors.New("message source unavailable")

// ErrIngestClosed is returned by Sync after Shutdown.
var ErrIngestClosed = errors.New("ingest service is shut down")

// Sync triggers recorded on the run row.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// IngestService turns candidate messages into persisted issues.
type IngestService interface {
	// Sync runs one ingestion pass. Concurrent callers in the same process
	// share a single run and receive the same report, which must be treated
	// as read-only.
	Sync(ctx context.Context, trigger string) (*model.SyncReport, error)

	// Shutdown refuses new runs and waits for the one in flight. When ctx
	// ends first the run is cancelled and Shutdown still waits for it to
	// record its result and release the lock.
	Shutdown(ctx context.Context) error
}

type IngestDeps struct {
	Source   mailbox.Source
	Pipeline *pipeline.Pipeline
	Issues   store.IssueStore
	SyncRuns store.SyncRunStore
	Events   EventPublisher
	Lock     SyncLock
	Mirror   issue_tracker.IssueMirror // optional
	MarkRead bool
}

type ingestService struct {
	deps  IngestDeps
	group singleflight.Group

	// base outlives callers; Shutdown cancels it to abort a run.
	base       context.Context
	cancelRuns context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running chan struct{} // closed when the current run returns
}

func NewIngestService(deps IngestDeps) IngestService {
	if deps.Events == nil {
		deps.Events = NewDiscardPublisher()
	}
	if deps.Lock == nil {
		deps.Lock = NewNoopLock()
	}
	base, cancel := context.WithCancel(context.Background())
	return &ingestService{deps: deps, base: base, cancelRuns: cancel}
}

func (s *ingestService) Sync(ctx context.Context, trigger string) (*model.SyncReport, error) {
	// The shared run must not die with whichever caller happened to start it.
	ch := s.group.DoChan("sync", func() (any, error) {
		done, err := s.begin()
		if err != nil {
			return nil, err
		}
		defer close(done)

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(s.base, cancel)
		defer stop()

		return s.run(runCtx, trigger)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.DebugContext(ctx, "joined running sync")
		}
		return res.Val.(*model.SyncReport), nil
	}
}

func (s *ingestService) begin() (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrIngestClosed
	}
	s.running = make(chan struct{})
	return s.running, nil
}

func (s *ingestService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	running := s.running
	s.mu.Unlock()

	defer s.cancelRuns()
	if running == nil {
		return nil
	}

	select {
	case <-running:
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "cancelling sync still running at shutdown")
		s.cancelRuns()
		<-running
		return ctx.Err()
	}
}

func (s *ingestService) run(ctx context.Context, trigger string) (*model.SyncReport, error) {
	release, err := s.deps.Lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			metrics.SyncRunsTotal.WithLabelValues("skipped").Inc()
			slog.InfoContext(ctx, "sync skipped, another process holds the lock")
		}
		return nil, err
	}
	defer release()

	runID := id.New()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SyncRunID: &runID,
		Component: "bugs.ingest",
	})
	sc := logger.StartSpan(ctx, "ingest.sync")
	defer sc.End()
	ctx = sc.Context()

	start := time.Now()
	report := &model.SyncReport{
		RunID:     runID,
		Errors:    []model.SyncError{},
		StartedAt: start.UTC(),
	}

	if err := s.deps.SyncRuns.Create(ctx, &model.SyncRun{
		ID:        runID,
		Trigger:   trigger,
		Status:    model.SyncRunRunning,
		StartedAt: report.StartedAt,
	}); err != nil {
		slog.WarnContext(ctx, "failed to record sync run start", "error", err)
	}

	runErr := s.process(ctx, report)
	report.FinishedAt = time.Now().UTC()

	// The result is recorded even for a run cancelled at shutdown.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if err := s.deps.SyncRuns.Finish(finishCtx, runID, report, runErr); err != nil {
		slog.WarnContext(ctx, "failed to record sync run result", "error", err)
	}
	cancelFinish()
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		sc.RecordError(runErr)
		metrics.SyncRunsTotal.WithLabelValues("failed").Inc()
		slog.ErrorContext(ctx, "sync failed", "error", runErr, "trigger", trigger)
		return nil, runErr
	}

	sc.SetInt("sync.total_found", report.TotalFound)
	sc.SetInt("sync.created", report.Created)
	metrics.SyncRunsTotal.WithLabelValues("succeeded").Inc()
	slog.InfoContext(ctx, "sync completed",
		"trigger", trigger,
		"total_found", report.TotalFound,
		"created", report.Created,
		"already_existing", report.AlreadyExisting,
		"errors", len(report.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (s *ingestService) process(ctx context.Context, report *model.SyncReport) error {
	msgs, err := s.deps.Source.FetchCandidateMessages(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	candidates := s.deps.Pipeline.Candidates(msgs)
	report.TotalFound = len(candidates)
	slog.DebugContext(ctx, "candidates selected", "fetched", len(msgs), "candidates", len(candidates))

	for _, msg := range candidates {
		s.ingest(ctx, msg, report)
	}
	return nil
}

// ingest handles one candidate. Every outcome is recorded on report; nothing
// here aborts the batch.
func (s *ingestService) ingest(ctx context.Context, msg model.RawMessage, report *model.SyncReport) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ExternalID: &msg.ExternalID})

	if msg.ExternalID != "" {
		existing, err := s.deps.Issues.FindByExternalID(ctx, msg.ExternalID)
		switch {
		case err == nil:
			report.AlreadyExisting++
			metrics.MessagesProcessed.WithLabelValues("existing").Inc()
			slog.DebugContext(ctx, "issue already exists", "issue_id", existing.ID)
			return
		case !errors.Is(err, store.ErrNotFound):
			s.fail(ctx, report, msg, fmt.Errorf("looking up existing issue: %w", err))
			return
		}
	}

	draft, err := s.deps.Pipeline.Parse(msg)
	if err != nil {
		s.fail(ctx, report, msg, err)
		return
	}

	issue := &model.Issue{
		IssueDraft: draft,
		ID:         id.New(),
		Status:     model.StatusOpen,
		Comments:   []model.Comment{},
	}
	if err := s.deps.Issues.Create(ctx, issue); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another writer for the same message.
			report.AlreadyExisting++
			metrics.MessagesProcessed.WithLabelValues("existing").Inc()
			return
		}
		s.fail(ctx, report, msg, fmt.Errorf("persisting issue: %w", err))
		return
	}

	report.Created++
	metrics.MessagesProcessed.WithLabelValues("created").Inc()
	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueID: &issue.ID})
	slog.InfoContext(ctx, "issue created from message",
		"severity", issue.Severity,
		"category", issue.Category,
		"title", logger.Truncate(issue.Title, 80),
	)

	s.afterCreate(ctx, msg, issue)
}

// afterCreate runs the side effects of a new issue. Their failures are
// logged and never change the report.
func (s *ingestService) afterCreate(ctx context.Context, msg model.RawMessage, issue *model.Issue) {
	if err := s.deps.Events.Publish(ctx, notify.NewIssueEvent(issue)); err != nil {
		slog.WarnContext(ctx, "failed to publish new issue event", "error", err)
	}

	if s.deps.Mirror != nil {
		if _, err := s.deps.Mirror.MirrorIssue(ctx, issue); err != nil {
			slog.WarnContext(ctx, "failed to mirror issue", "error", err)
		}
	}

	if s.deps.MarkRead {
		if marker, ok := s.deps.Source.(mailbox.ReadMarker); ok {
			if err := marker.MarkRead(ctx, msg.ExternalID); err != nil {
				slog.WarnContext(ctx, "failed to mark message read", "error", err)
			}
		}
	}
}

func (s *ingestService) fail(ctx context.Context, report *model.SyncReport, msg model.RawMessage, err error) {
	report.Errors = append(report.Errors, model.SyncError{
		ExternalID: msg.ExternalID,
		Subject:    msg.Subject,
		Error:      err.Error(),
	})
	metrics.MessagesProcessed.WithLabelValues("error").Inc()
	slog.WarnContext(ctx, "message not ingested", "error", err, "subject", msg.Subject)
}
