/**
 * @description
 * The details retrier reads `payment_details` for a batch with a bounded number of
 * attempts and exponential backoff. It is called by the hold coordinator while the
 * primary transaction is open, so every wait here extends how long that transaction
 * holds its rows.
 *
 * A lookup only succeeds when every requested ref comes back. Partial results, attempt
 * timeouts and transient database errors are retried; everything else stops the loop.
 * Whatever the last cause, the caller gets one ErrDetailsUnavailable batch error and
 * never a partial set of details.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/pkg/metrics"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelay   = 2000 * time.Millisecond
	DefaultMultiplier     = 2.0
	DefaultAttemptTimeout = 5 * time.Second
)

// DetailsReader looks up payment details on the secondary database. Lookup must have no
// side effects; it is called again with the same refs on every retry.
type DetailsReader interface {
	Lookup(ctx context.Context, refs []string) (map[string]domain.PaymentDetail, error)
}

// RetryPolicy configures DetailsRetrier.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	// MaxDelay caps a single backoff delay. Zero leaves delays uncapped.
	MaxDelay time.Duration
	// AttemptTimeout bounds one Lookup call. Zero means the attempt is only bounded by
	// the caller's context.
	AttemptTimeout time.Duration
	Classify       Classifier
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialDelay:   DefaultInitialDelay,
		Multiplier:     DefaultMultiplier,
		AttemptTimeout: DefaultAttemptTimeout,
		Classify:       ClassifyDetailsError,
	}
}

// Validate rejects policies that cannot terminate or shrink their delays.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry policy: initial delay must not be negative, got %s", p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy: backoff multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.MaxDelay < 0 || p.AttemptTimeout < 0 {
		return errors.New("retry policy: max delay and attempt timeout must not be negative")
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped by MaxDelay when set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// WorstCase is the longest Fetch can take when every attempt uses its full timeout and
// every backoff delay is slept.
func (p RetryPolicy) WorstCase() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total = addDurations(total, p.Delay(attempt))
	}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		total = addDurations(total, p.AttemptTimeout)
	}
	return total
}

func addDurations(a, b time.Duration) time.Duration {
	if a > math.MaxInt64-b {
		return time.Duration(math.MaxInt64)
	}
	return a + b
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retryState struct {
	attempt int
	lastErr error
	backoff time.Duration
}

// DetailsRetrier wraps a DetailsReader with RetryPolicy.
type DetailsRetrier struct {
	reader  DetailsReader
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.BatchMetrics
	sleep   sleepFunc
}

// NewDetailsRetrier validates policy and fills in the default classifier.
func NewDetailsRetrier(reader DetailsReader, policy RetryPolicy, logger *slog.Logger, m *metrics.BatchMetrics) (*DetailsRetrier, error) {
	if reader == nil {
		return nil, errors.New("details retrier: reader is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Classify == nil {
		policy.Classify = ClassifyDetailsError
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DetailsRetrier{
		reader:  reader,
		policy:  policy,
		logger:  logger.With("component", "details_retrier"),
		metrics: m,
		sleep:   sleepContext,
	}, nil
}

// Policy returns the effective policy.
func (r *DetailsRetrier) Policy() RetryPolicy {
	return r.policy
}

// Fetch returns details for every ref and the number of attempts it took, or a terminal
// ErrDetailsUnavailable batch error. Cancelling ctx aborts a backoff wait immediately.
func (r *DetailsRetrier) Fetch(ctx context.Context, batchID uuid.UUID, refs []string) (map[string]domain.PaymentDetail, int, error) {
	if len(refs) == 0 {
		return map[string]domain.PaymentDetail{}, 0, nil
	}

	var state retryState
	for {
		state.attempt++
		details, err := r.attempt(ctx, refs)
		if err == nil {
			r.metrics.ObserveAttempt("success")
			if state.attempt > 1 {
				r.logger.Info("payment details complete after retry",
					"batch_id", batchID, "attempt", state.attempt, "backoff", state.backoff)
			}
			return details, state.attempt, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.metrics.ObserveAttempt("terminal")
			state.lastErr = fmt.Errorf("%w (last attempt: %v)", ctxErr, err)
			return nil, state.attempt, r.recover(batchID, state)
		}

		category := r.policy.Classify(err)
		if category == FailureRecoverable && !errors.Is(err, domain.ErrDetailsMissing) {
			err = fmt.Errorf("%w: %w", domain.ErrDetailsTransient, err)
		}
		state.lastErr = err
		r.metrics.ObserveAttempt(attemptResult(category, err))

		if category == FailureTerminal {
			return nil, state.attempt, r.recover(batchID, state)
		}
		if state.attempt >= r.policy.MaxAttempts {
			return nil, state.attempt, r.recover(batchID, state)
		}

		delay := r.policy.Delay(state.attempt)
		r.logger.Warn("payment details attempt failed; backing off",
			"batch_id", batchID,
			"attempt", state.attempt,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			state.lastErr = fmt.Errorf("%w (last attempt: %v)", sleepErr, err)
			return nil, state.attempt, r.recover(batchID, state)
		}
		state.backoff += delay
	}
}

func (r *DetailsRetrier) attempt(ctx context.Context, refs []string) (map[string]domain.PaymentDetail, error) {
	attemptCtx := ctx
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	found, err := r.reader.Lookup(attemptCtx, refs)
	if err != nil {
		return nil, err
	}

	details := make(map[string]domain.PaymentDetail, len(refs))
	var missing []string
	for _, ref := range refs {
		d, ok := found[ref]
		if !ok {
			missing = append(missing, ref)
			continue
		}
		details[ref] = d
	}
	if len(missing) > 0 {
		return nil, &domain.MissingDetailsError{Missing: missing}
	}
	return details, nil
}

// recover turns the last failure into the single terminal error the coordinator sees.
func (r *DetailsRetrier) recover(batchID uuid.UUID, state retryState) error {
	r.logger.Error("payment details unavailable; giving up",
		"batch_id", batchID,
		"attempts", state.attempt,
		"backoff", state.backoff,
		"error", state.lastErr,
	)
	return &domain.BatchError{
		BatchID: batchID,
		Kind:    domain.ErrDetailsUnavailable,
		Err:     fmt.Errorf("after %d attempt(s): %w", state.attempt, state.lastErr),
	}
}

func attemptResult(category FailureCategory, err error) string {
	switch {
	case category == FailureTerminal:
		return "terminal"
	case errors.Is(err, domain.ErrDetailsMissing):
		return "missing"
	default:
		return "transient"
	}
}
