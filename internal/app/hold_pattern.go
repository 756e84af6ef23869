/**
 * @description
 * The hold coordinator runs one payment batch as a single primary-database transaction
 * that stays open while the payment details are read from the secondary database.
 *
 * Flow:
 * 1. Begin a READ COMMITTED transaction bounded by the hold timeout.
 * 2. Insert a PENDING row per payment ref, in request order.
 * 3. Read the details for every ref with retry while the transaction is held.
 * 4. Finalize every row to COMPLETED and commit.
 *
 * Any failure rolls the whole batch back, so readers of the primary database never see
 * a batch that is only partly written or only partly enriched.
 *
 * @notes
 * - The hold timeout is derived from the retry policy unless configured, and a
 *   configured value shorter than the retry worst case is rejected up front.
 * - idle_in_transaction_session_timeout and lock_timeout are set per transaction so the
 *   server releases the rows even if this process stalls, and so overlapping batches fail
 *   fast instead of queuing behind a held batch.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/pkg/metrics"
)

const (
	DefaultHoldWriteMargin = 30 * time.Second
	DefaultHoldLockTimeout = 5 * time.Second

	rollbackTimeout = 5 * time.Second
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PaymentWriter writes payment rows on a transaction owned by the caller.
type PaymentWriter interface {
	InsertProvisional(ctx context.Context, tx pgx.Tx, paymentRef string) (int64, error)
	Finalize(ctx context.Context, tx pgx.Tx, paymentID int64, detail domain.PaymentDetail) error
}

// HoldConfig bounds how long a batch transaction may stay open.
type HoldConfig struct {
	// Timeout is the total budget for one batch. Zero derives it from the retry policy,
	// which needs a positive AttemptTimeout: without one a read has no upper bound.
	Timeout time.Duration
	// WriteMargin is added to the retry worst case when Timeout is derived. It covers
	// the provisional inserts, the finalize updates and the commit.
	WriteMargin time.Duration
	LockTimeout time.Duration
}

// ResolveHoldTimeout returns the hold budget for policy. An explicit timeout that cannot
// fit every retry attempt and backoff delay is an error.
func ResolveHoldTimeout(policy RetryPolicy, cfg HoldConfig) (time.Duration, error) {
	if cfg.Timeout < 0 || cfg.WriteMargin < 0 {
		return 0, errors.New("hold timeout and write margin must not be negative")
	}
	worst := policy.WorstCase()
	if cfg.Timeout == 0 {
		if policy.AttemptTimeout <= 0 {
			return 0, errors.New("hold timeout cannot be derived without a details attempt timeout; set one or configure the hold timeout explicitly")
		}
		margin := cfg.WriteMargin
		if margin == 0 {
			margin = DefaultHoldWriteMargin
		}
		return addDurations(worst, margin), nil
	}
	if cfg.Timeout < worst {
		return 0, fmt.Errorf("hold timeout %s is shorter than the details retry worst case %s", cfg.Timeout, worst)
	}
	return cfg.Timeout, nil
}

type HoldCoordinator struct {
	db          TxBeginner
	writer      PaymentWriter
	retrier     *DetailsRetrier
	holdTimeout time.Duration
	lockTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.BatchMetrics
	now         func() time.Time
}

func NewHoldCoordinator(db TxBeginner, writer PaymentWriter, retrier *DetailsRetrier, cfg HoldConfig, logger *slog.Logger, m *metrics.BatchMetrics) (*HoldCoordinator, error) {
	if db == nil || writer == nil || retrier == nil {
		return nil, errors.New("hold coordinator: database, writer and retrier are required")
	}
	holdTimeout, err := ResolveHoldTimeout(retrier.Policy(), cfg)
	if err != nil {
		return nil, err
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultHoldLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HoldCoordinator{
		db:          db,
		writer:      writer,
		retrier:     retrier,
		holdTimeout: holdTimeout,
		lockTimeout: lockTimeout,
		logger:      logger.With("component", "hold_coordinator"),
		metrics:     m,
		now:         time.Now,
	}, nil
}

// HoldTimeout is the effective budget applied to every batch transaction.
func (c *HoldCoordinator) HoldTimeout() time.Duration {
	return c.holdTimeout
}

// ProcessBatch writes and enriches every ref of req atomically. On failure nothing is
// committed and the returned error is a *domain.BatchError.
func (c *HoldCoordinator) ProcessBatch(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error) {
	if err := req.Validate(); err != nil {
		berr := &domain.BatchError{BatchID: req.BatchID, Kind: domain.ErrInvalidBatch, Err: err}
		c.metrics.ObserveBatch(domain.Outcome(berr), len(req.PaymentRefs), 0)
		return nil, berr
	}

	holdCtx, cancel := context.WithTimeout(ctx, c.holdTimeout)
	defer cancel()

	start := c.now()
	tx, err := c.db.BeginTx(holdCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		berr := &domain.BatchError{BatchID: req.BatchID, Kind: domain.ErrBegin, Err: err}
		c.finish(req, 0, 0, berr)
		return nil, berr
	}

	defer func() {
		if p := recover(); p != nil {
			c.rollback(tx, req.BatchID)
			panic(p)
		}
	}()

	if err := c.setLocalTimeouts(holdCtx, tx); err != nil {
		return nil, c.abort(tx, req, start, 0, domain.ErrBegin, err)
	}

	c.logger.Info("holding transaction",
		"batch_id", req.BatchID,
		"payment_refs", len(req.PaymentRefs),
		"hold_timeout", c.holdTimeout,
		"source", req.Source,
	)

	ids := make(domain.RefToIDMap, len(req.PaymentRefs))
	for _, ref := range req.PaymentRefs {
		id, err := c.writer.InsertProvisional(holdCtx, tx, ref)
		if err != nil {
			return nil, c.abort(tx, req, start, 0, domain.ErrProvisionalWrite, fmt.Errorf("insert %s: %w", ref, err))
		}
		ids[ref] = id
	}

	details, attempts, err := c.retrier.Fetch(holdCtx, req.BatchID, req.PaymentRefs)
	if err != nil {
		return nil, c.abort(tx, req, start, attempts, domain.ErrDetailsUnavailable, err)
	}

	for _, ref := range req.PaymentRefs {
		if err := c.writer.Finalize(holdCtx, tx, ids[ref], details[ref]); err != nil {
			return nil, c.abort(tx, req, start, attempts, domain.ErrFinalizeWrite, fmt.Errorf("finalize %s: %w", ref, err))
		}
	}

	if err := tx.Commit(holdCtx); err != nil {
		return nil, c.abort(tx, req, start, attempts, domain.ErrCommit, err)
	}

	held := c.now().Sub(start)
	c.finish(req, attempts, held, nil)
	return &domain.BatchResult{
		BatchID:  req.BatchID,
		Payments: len(ids),
		Attempts: attempts,
		HeldFor:  held,
	}, nil
}

func (c *HoldCoordinator) setLocalTimeouts(ctx context.Context, tx pgx.Tx) error {
	settings := []struct {
		name  string
		value time.Duration
	}{
		{"idle_in_transaction_session_timeout", c.holdTimeout},
		{"lock_timeout", c.lockTimeout},
	}
	for _, s := range settings {
		ms := strconv.FormatInt(s.value.Milliseconds(), 10)
		if _, err := tx.Exec(ctx, `SELECT set_config($1, $2, true)`, s.name, ms); err != nil {
			return fmt.Errorf("set %s: %w", s.name, err)
		}
	}
	return nil
}

// abort rolls the batch back and returns the error the caller sees. Errors that are
// already batch errors (from the retrier) keep their kind.
func (c *HoldCoordinator) abort(tx pgx.Tx, req domain.BatchRequest, start time.Time, attempts int, kind, cause error) error {
	c.rollback(tx, req.BatchID)

	var berr *domain.BatchError
	if !errors.As(cause, &berr) {
		berr = &domain.BatchError{BatchID: req.BatchID, Kind: kind, Err: cause}
	}
	c.finish(req, attempts, c.now().Sub(start), berr)
	return berr
}

// rollback uses its own context: the hold context may already be done.
func (c *HoldCoordinator) rollback(tx pgx.Tx, batchID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		c.logger.Error("failed to roll back payment batch", "batch_id", batchID, "error", err)
	}
}

func (c *HoldCoordinator) finish(req domain.BatchRequest, attempts int, held time.Duration, err error) {
	outcome := domain.Outcome(err)
	c.metrics.ObserveBatch(outcome, len(req.PaymentRefs), held)
	if err == nil {
		c.logger.Info("payment batch committed",
			"batch_id", req.BatchID,
			"payment_refs", len(req.PaymentRefs),
			"attempt", attempts,
			"held_for", held,
		)
		return
	}
	c.logger.Error("payment batch rolled back",
		"batch_id", req.BatchID,
		"outcome", outcome,
		"payment_refs", len(req.PaymentRefs),
		"attempt", attempts,
		"held_for", held,
		"error", err,
	)
}
