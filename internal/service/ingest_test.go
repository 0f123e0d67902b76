package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telex-ph/bug-reporting/core/config"
	"github.com/telex-ph/bug-reporting/internal/mailbox"
	"github.com/telex-ph/bug-reporting/internal/model"
	"github.com/telex-ph/bug-reporting/internal/pipeline"
	"github.com/telex-ph/bug-reporting/internal/service"
	"github.com/telex-ph/bug-reporting/internal/service/issue_tracker"
	"github.com/telex-ph/bug-reporting/internal/store"
)

// gatedSource blocks every fetch until the gate is opened.
type gatedSource struct {
	gate    chan struct{}
	fetches atomic.Int32
	msgs    []model.RawMessage
}

func (g *gatedSource) FetchCandidateMessages(ctx context.Context) ([]model.RawMessage, error) {
	g.fetches.Add(1)
	select {
	case <-g.gate:
		return g.msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ = Describe("IngestService", func() {
	var (
		ctx       context.Context
		source    *mailbox.StaticSource
		memory    *memoryIssueStore
		issues    *mockIssueStore
		runs      *mockSyncRunStore
		publisher *recordingPublisher
		mirror    *mockMirror
		deps      service.IngestDeps
	)

	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	msg := func(ext, thread, subject string, offset time.Duration) model.RawMessage {
		return model.RawMessage{
			ExternalID: ext,
			ThreadID:   thread,
			Subject:    subject,
			Sender:     model.Sender{Name: "Ana", Address: "ana@example.com"},
			ReceivedAt: base.Add(offset),
			Body:       model.BodyVariants{Full: "<p>Frontend crash on checkout</p>"},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		source = mailbox.NewStaticSource()
		memory = newMemoryIssueStore()
		issues = memory.mock()
		runs = &mockSyncRunStore{}
		publisher = &recordingPublisher{}
		mirror = &mockMirror{}
		deps = service.IngestDeps{
			Source:   source,
			Pipeline: pipeline.New(config.DefaultReplyMarkers),
			Issues:   issues,
			SyncRuns: runs,
			Events:   publisher,
			Mirror:   mirror,
		}
	})

	Describe("Sync", func() {
		It("creates one issue per thread from the earliest message", func() {
			source.Set(
				msg("m1", "t1", "[BUG REPORT] [HIGH] Login broken", 0),
				msg("m2", "t1", "RE: [BUG REPORT] [HIGH] Login broken", time.Minute),
				msg("m3", "t2", "[BUG REPORT] Slow search", 2*time.Minute),
			)
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.TotalFound).To(Equal(2))
			Expect(report.Created).To(Equal(2))
			Expect(report.AlreadyExisting).To(BeZero())
			Expect(report.Errors).To(BeEmpty())
			Expect(memory.Len()).To(Equal(2))
			Expect(memory.byExt["m1"].Severity).To(Equal(model.SeverityHigh))
			Expect(memory.byExt["m1"].Status).To(Equal(model.StatusOpen))
		})

		It("is idempotent across runs", func() {
			source.Set(msg("m1", "t1", "[BUG REPORT] Login broken", 0))
			svc := service.NewIngestService(deps)

			first, err := svc.Sync(ctx, service.TriggerManual)
			Expect(err).NotTo(HaveOccurred())
			second, err := svc.Sync(ctx, service.TriggerSchedule)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Created).To(Equal(1))
			Expect(second.Created).To(BeZero())
			Expect(second.AlreadyExisting).To(Equal(1))
			Expect(memory.Len()).To(Equal(1))
			Expect(publisher.Events()).To(HaveLen(1))
		})

		It("records a per-message error and keeps going", func() {
			source.Set(
				msg("m1", "t1", "[BUG REPORT] One", 0),
				msg("", "t2", "[BUG REPORT] Two", time.Minute),
				msg("m3", "t3", "[BUG REPORT] Three", 2*time.Minute),
			)
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.TotalFound).To(Equal(3))
			Expect(report.Created).To(Equal(2))
			Expect(report.Errors).To(HaveLen(1))
			Expect(report.Errors[0].Subject).To(Equal("[BUG REPORT] Two"))
			Expect(report.Errors[0].Error).To(ContainSubstring(pipeline.ErrMissingExternalID.Error()))
		})

		It("counts a create conflict as already existing", func() {
			source.Set(msg("m1", "t1", "[BUG REPORT] Raced", 0))
			issues.createFn = func(context.Context, *model.Issue) error { return store.ErrConflict }
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Created).To(BeZero())
			Expect(report.AlreadyExisting).To(Equal(1))
			Expect(report.Errors).To(BeEmpty())
			Expect(publisher.Events()).To(BeEmpty())
		})

		It("records a lookup failure against the message", func() {
			source.Set(msg("m1", "t1", "[BUG REPORT] One", 0))
			issues.findByExternalIDFn = func(context.Context, string) (*model.Issue, error) {
				return nil, errors.New("connection reset")
			}
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Errors).To(HaveLen(1))
			Expect(report.Errors[0].ExternalID).To(Equal("m1"))
		})

		It("fails the run without side effects when the source is unavailable", func() {
			source.Fail(mailbox.ErrUnavailable)
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(report).To(BeNil())
			Expect(err).To(MatchError(service.ErrSourceUnavailable))
			Expect(err).To(MatchError(mailbox.ErrUnavailable))
			Expect(memory.Len()).To(BeZero())
			Expect(publisher.Events()).To(BeEmpty())
			Expect(runs.finished).To(HaveLen(1))
			Expect(runs.finished[0]).To(HaveOccurred())
		})

		It("publishes, mirrors and marks read after a create", func() {
			source.Set(msg("m1", "t1", "[BUG REPORT] [CRITICAL] Down", 0))
			deps.MarkRead = true
			svc := service.NewIngestService(deps)

			_, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			events := publisher.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Kind).To(Equal(model.EventNewIssueFromSource))
			Expect(events[0].SubjectID).To(BeEmpty())
			Expect(mirror.calls).To(Equal(1))
			Expect(source.IsRead("m1")).To(BeTrue())
		})

		It("does not let side-effect failures change the report", func() {
			source.Set(msg("m1", "t1", "[BUG REPORT] Down", 0))
			publisher.err = errors.New("redis down")
			mirror.mirrorFn = func(context.Context, *model.Issue) (*issue_tracker.MirrorRef, error) {
				return nil, errors.New("gitlab down")
			}
			svc := service.NewIngestService(deps)

			report, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Created).To(Equal(1))
			Expect(report.Errors).To(BeEmpty())
		})

		It("returns ErrSyncInProgress when another process holds the lock", func() {
			deps.Lock = &mockLock{acquireFn: func(context.Context) (func(), error) {
				return nil, service.ErrSyncInProgress
			}}
			svc := service.NewIngestService(deps)

			_, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).To(MatchError(service.ErrSyncInProgress))
			Expect(runs.created).To(BeEmpty())
		})

		It("shares one run between concurrent callers", func() {
			gated := &gatedSource{
				gate: make(chan struct{}),
				msgs: []model.RawMessage{msg("m1", "t1", "[BUG REPORT] Shared", 0)},
			}
			deps.Source = gated
			svc := service.NewIngestService(deps)

			var wg sync.WaitGroup
			reports := make([]*model.SyncReport, 2)
			for i := range reports {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					r, err := svc.Sync(ctx, service.TriggerManual)
					Expect(err).NotTo(HaveOccurred())
					reports[i] = r
				}()
			}

			Eventually(gated.fetches.Load).Should(Equal(int32(1)))
			// Give the second caller time to join before releasing the run.
			time.Sleep(50 * time.Millisecond)
			close(gated.gate)
			wg.Wait()

			Expect(gated.fetches.Load()).To(Equal(int32(1)))
			Expect(reports[0]).To(BeIdenticalTo(reports[1]))
			Expect(reports[0].Created).To(Equal(1))
		})

		It("stops waiting when the caller's context ends", func() {
			gated := &gatedSource{gate: make(chan struct{})}
			deps.Source = gated
			svc := service.NewIngestService(deps)

			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := svc.Sync(cctx, service.TriggerManual)
			Expect(err).To(MatchError(context.Canceled))
			close(gated.gate)
		})
	})

	Describe("Shutdown", func() {
		var (
			gated    *gatedSource
			released atomic.Bool
			svc      service.IngestService
		)

		// startRun begins a sync whose caller stops waiting right away, the
		// way the poller does when it is stopped.
		startRun := func() {
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				defer cancel()
				_, _ = svc.Sync(cctx, service.TriggerSchedule)
			}()
			Eventually(gated.fetches.Load).Should(Equal(int32(1)))
			cancel()
		}

		BeforeEach(func() {
			gated = &gatedSource{
				gate: make(chan struct{}),
				msgs: []model.RawMessage{msg("m1", "t1", "[BUG REPORT] Drained", 0)},
			}
			released.Store(false)
			deps.Source = gated
			deps.Lock = &mockLock{acquireFn: func(context.Context) (func(), error) {
				return func() { released.Store(true) }, nil
			}}
			svc = service.NewIngestService(deps)
		})

		It("lets a run in flight finish before returning", func() {
			startRun()

			done := make(chan error, 1)
			go func() {
				sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				done <- svc.Shutdown(sctx)
			}()
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			close(gated.gate)

			Eventually(done).Should(Receive(BeNil()))
			Expect(released.Load()).To(BeTrue())
			Expect(runs.Finished()).To(Equal([]error{nil}))
			Expect(memory.Len()).To(Equal(1))
		})

		It("cancels a run that outlives the deadline and still records it", func() {
			startRun()

			sctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			err := svc.Shutdown(sctx)

			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(released.Load()).To(BeTrue())
			finished := runs.Finished()
			Expect(finished).To(HaveLen(1))
			Expect(finished[0]).To(MatchError(context.Canceled))
			close(gated.gate)
		})

		It("refuses new runs once shut down", func() {
			Expect(svc.Shutdown(ctx)).To(Succeed())

			_, err := svc.Sync(ctx, service.TriggerManual)

			Expect(err).To(MatchError(service.ErrIngestClosed))
			Expect(gated.fetches.Load()).To(BeZero())
			close(gated.gate)
		})
	})

	Describe("SyncReport.Surface", func() {
		It("renders the dashboard summary", func() {
			report := &model.SyncReport{
				TotalFound:      3,
				Created:         1,
				AlreadyExisting: 1,
				Errors:          []model.SyncError{{ExternalID: "", Subject: "Two", Error: "message has no external id"}},
			}

			surface := report.Surface()

			Expect(surface.Success).To(BeTrue())
			Expect(surface.Summary).To(Equal(model.SyncSummary{TotalEmails: 3, NewBugs: 1, ExistingBugs: 1, Errors: 1}))
			Expect(surface.Errors).To(Equal([]model.SyncSurfaceError{{Subject: "Two", Error: "message has no external id"}}))
		})
	})
})
