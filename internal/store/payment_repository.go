/**
 * @description
 * PostgreSQL access to the primary `payments` table.
 *
 * InsertProvisional and Finalize never open or commit a transaction of their own; they
 * run on the pgx.Tx handed to them so that every row of a batch commits or rolls back
 * together with the transaction owned by the hold coordinator.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/domain: payment models.
 */

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/payment-batch-service/internal/domain"
)

// PaymentRepository is the primary-store writer for payment batches.
type PaymentRepository struct {
	db DBTX
}

// NewPaymentRepository creates a PaymentRepository. db is only used for reads outside a
// batch transaction.
func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// InsertProvisional inserts a PENDING payment row and returns its generated id.
func (r *PaymentRepository) InsertProvisional(ctx context.Context, tx pgx.Tx, paymentRef string) (int64, error) {
	query := `
		INSERT INTO payments (payment_ref, status, created_at)
		VALUES ($1, $2, NOW())
		RETURNING payment_id
	`
	var id int64
	if err := tx.QueryRow(ctx, query, paymentRef, domain.PaymentStatusPending).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicatePaymentRef, paymentRef)
		}
		return 0, err
	}
	return id, nil
}

// Finalize copies the enrichment fields onto a PENDING payment and marks it COMPLETED.
func (r *PaymentRepository) Finalize(ctx context.Context, tx pgx.Tx, paymentID int64, detail domain.PaymentDetail) error {
	query := `
		UPDATE payments
		SET amount = $1,
			currency = $2,
			customer_id = $3,
			merchant_id = $4,
			payment_method = $5,
			description = $6,
			status = $7,
			completed_at = NOW()
		WHERE payment_id = $8 AND status = $9
	`
	result, err := tx.Exec(ctx, query,
		detail.Amount,
		detail.Currency,
		detail.CustomerID,
		detail.MerchantID,
		detail.PaymentMethod,
		detail.Description,
		domain.PaymentStatusCompleted,
		paymentID,
		domain.PaymentStatusPending,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment_id=%d", ErrPaymentNotFound, paymentID)
	}
	return nil
}

// FindPaymentByRef reads a committed payment row.
func (r *PaymentRepository) FindPaymentByRef(ctx context.Context, paymentRef string) (*domain.Payment, error) {
	query := `
		SELECT payment_id, payment_ref, status,
			COALESCE(amount, 0), COALESCE(currency, ''), COALESCE(customer_id, ''),
			COALESCE(merchant_id, ''), COALESCE(payment_method, ''), COALESCE(description, ''),
			created_at, completed_at
		FROM payments
		WHERE payment_ref = $1
	`
	var p domain.Payment
	err := r.db.QueryRow(ctx, query, paymentRef).Scan(
		&p.ID,
		&p.PaymentRef,
		&p.Status,
		&p.Amount,
		&p.Currency,
		&p.CustomerID,
		&p.MerchantID,
		&p.PaymentMethod,
		&p.Description,
		&p.CreatedAt,
		&p.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}
