package store

import (
	"context"
	"time"
)

const (
	DefaultIntakeMaxFailures = 5
	DefaultIntakeRetryDelay  = 5 * time.Minute
)

// IntakeRepository reads the `payment_intake` staging table on the primary database.
// A ref that keeps failing is deferred for retryDelay × failures after each failure and
// skipped for good once it reaches maxFailures, so it cannot hold back the refs behind it.
type IntakeRepository struct {
	db          DBTX
	maxFailures int
	retryDelay  time.Duration
}

func NewIntakeRepository(db DBTX, maxFailures int, retryDelay time.Duration) *IntakeRepository {
	if maxFailures <= 0 {
		maxFailures = DefaultIntakeMaxFailures
	}
	if retryDelay < 0 {
		retryDelay = DefaultIntakeRetryDelay
	}
	return &IntakeRepository{db: db, maxFailures: maxFailures, retryDelay: retryDelay}
}

// ListUnprocessedRefs returns the oldest eligible intake refs that have no payments row
// yet. A batch that rolled back leaves its refs here, so they are picked up on a later run.
func (r *IntakeRepository) ListUnprocessedRefs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT i.payment_ref
		FROM payment_intake i
		WHERE i.failures < $2
			AND (i.next_attempt_at IS NULL OR i.next_attempt_at <= NOW())
			AND NOT EXISTS (
				SELECT 1 FROM payments p WHERE p.payment_ref = i.payment_ref
			)
		ORDER BY i.received_at ASC, i.payment_ref ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, r.maxFailures)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// RecordFailures counts one failed batch against refs and defers their next listing.
func (r *IntakeRepository) RecordFailures(ctx context.Context, refs []string, reason string) error {
	if len(refs) == 0 {
		return nil
	}
	query := `
		UPDATE payment_intake
		SET failures = failures + 1,
			last_error = $2,
			next_attempt_at = NOW() + make_interval(secs => $3::double precision * (failures + 1))
		WHERE payment_ref = ANY($1)
	`
	_, err := r.db.Exec(ctx, query, refs, reason, r.retryDelay.Seconds())
	return err
}

// EnqueueRefs stages refs for the intake job. Refs already staged are ignored.
func (r *IntakeRepository) EnqueueRefs(ctx context.Context, refs []string, source string) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO payment_intake (payment_ref, source, received_at)
		SELECT ref, $2, NOW() FROM unnest($1::text[]) AS ref
		ON CONFLICT (payment_ref) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query, refs, source)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
