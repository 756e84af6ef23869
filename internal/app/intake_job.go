/**
 * @description
 * The intake job sweeps `payment_intake` for refs that have not produced a payment yet
 * and submits them as one batch. A batch that rolled back leaves its refs unprocessed,
 * so a later run picks them up again.
 *
 * When details are unavailable the refs that caused it are recorded as failed, so the
 * source defers them and the rest of the queue keeps moving. Infrastructure failures
 * (begin, commit, exhausted transient reads, deadlines) blame no ref.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/payment-batch-service/internal/domain"
)

const (
	DefaultIntakeBatchSize = 100

	recordFailureTimeout = 5 * time.Second
)

// IntakeSource lists staged refs and tracks the ones that keep failing. Implemented by
// store.IntakeRepository.
type IntakeSource interface {
	ListUnprocessedRefs(ctx context.Context, limit int) ([]string, error)
	RecordFailures(ctx context.Context, refs []string, reason string) error
}

type IntakeJob struct {
	source    IntakeSource
	submitter BatchSubmitter
	batchSize int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewIntakeJob(source IntakeSource, submitter BatchSubmitter, batchSize int, timeout time.Duration, logger *slog.Logger) *IntakeJob {
	if batchSize <= 0 {
		batchSize = DefaultIntakeBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeJob{
		source:    source,
		submitter: submitter,
		batchSize: batchSize,
		timeout:   timeout,
		logger:    logger.With("component", "intake_job"),
	}
}

// Run is the cron entry point.
func (j *IntakeJob) Run() {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	j.RunOnce(ctx)
}

// RunOnce submits at most one batch and reports how many payments it committed.
func (j *IntakeJob) RunOnce(ctx context.Context) int {
	refs, err := j.source.ListUnprocessedRefs(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("failed to list unprocessed intake refs", "error", err)
		return 0
	}
	if len(refs) == 0 {
		j.logger.Debug("no unprocessed intake refs")
		return 0
	}

	j.logger.Info("submitting intake batch", "payment_refs", len(refs))
	result, err := j.submitter.Submit(ctx, domain.BatchRequest{PaymentRefs: refs, Source: "intake"})
	if err != nil {
		j.logger.Error("intake batch failed", "payment_refs", len(refs), "outcome", domain.Outcome(err), "error", err)
		j.recordFailures(ctx, refs, err)
		return 0
	}
	j.logger.Info("intake batch committed", "batch_id", result.BatchID, "payments", result.Payments)
	return result.Payments
}

func (j *IntakeJob) recordFailures(ctx context.Context, refs []string, cause error) {
	blamed := blamedRefs(refs, cause)
	if len(blamed) == 0 {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordFailureTimeout)
	defer cancel()
	if err := j.source.RecordFailures(recCtx, blamed, cause.Error()); err != nil {
		j.logger.Error("failed to record intake failures", "payment_refs", len(blamed), "error", err)
		return
	}
	j.logger.Warn("intake refs deferred", "payment_refs", blamed)
}

// blamedRefs returns the refs a failed batch is attributable to. Missing details name
// their refs exactly; any other terminal details failure blames the whole batch.
func blamedRefs(refs []string, err error) []string {
	var missing *domain.MissingDetailsError
	switch {
	case errors.As(err, &missing):
		return missing.Missing
	case !errors.Is(err, domain.ErrDetailsUnavailable):
		return nil
	case errors.Is(err, domain.ErrDetailsTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return refs
	}
}

// Scheduler runs the intake job on a cron schedule. Runs never overlap: refs of a batch
// still being held have no committed payment yet and would otherwise be listed twice.
type Scheduler struct {
	cron     *cron.Cron
	job      *IntakeJob
	schedule string
	logger   *slog.Logger
}

func NewScheduler(job *IntakeJob, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		job:      job,
		schedule: schedule,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers the intake job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddJob(s.schedule, s.job); err != nil {
		s.logger.Error("failed to schedule intake job", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled intake job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running job finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
