/**
 * @description
 * This file defines the core domain models for the payment-batch-service.
 * A batch turns a list of payment references into `payments` rows in the primary
 * database, enriched with the matching `payment_details` rows read from the
 * secondary database.
 *
 * @notes
 * - Amounts are carried as `decimal.Decimal` because both tables store them as NUMERIC.
 * - PaymentDetail is read-only; this service never writes to the secondary database.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
)

// Payment is a row of the primary `payments` table. It is inserted as PENDING before
// its details are known and moved to COMPLETED once they are.
type Payment struct {
	ID            int64           `json:"payment_id"`
	PaymentRef    string          `json:"payment_ref"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerID    string          `json:"customer_id"`
	MerchantID    string          `json:"merchant_id"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// PaymentDetail is a row of the secondary `payment_details` table.
type PaymentDetail struct {
	PaymentRef    string          `json:"payment_ref"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerID    string          `json:"customer_id"`
	MerchantID    string          `json:"merchant_id"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description"`
}

// RefToIDMap maps a payment reference to the payment_id generated for its provisional row.
type RefToIDMap map[string]int64

// BatchRequest is one unit of work: every ref in it commits together or not at all.
type BatchRequest struct {
	BatchID     uuid.UUID
	PaymentRefs []string
	Source      string
}

// Validate checks the request shape before any database is touched.
func (r BatchRequest) Validate() error {
	if r.BatchID == uuid.Nil {
		return fmt.Errorf("%w: batch id is required", ErrInvalidBatch)
	}
	if len(r.PaymentRefs) == 0 {
		return fmt.Errorf("%w: no payment refs", ErrInvalidBatch)
	}
	seen := make(map[string]struct{}, len(r.PaymentRefs))
	for i, ref := range r.PaymentRefs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("%w: blank payment ref at position %d", ErrInvalidBatch, i)
		}
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("%w: duplicate payment ref %q", ErrInvalidBatch, ref)
		}
		seen[ref] = struct{}{}
	}
	return nil
}

// BatchResult summarizes a committed batch.
type BatchResult struct {
	BatchID  uuid.UUID     `json:"batch_id"`
	Payments int           `json:"payments"`
	Attempts int           `json:"details_attempts"`
	HeldFor  time.Duration `json:"held_for"`
}

// NormalizePaymentRefs trims refs, drops blanks and removes duplicates while keeping
// first-seen order.
func NormalizePaymentRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
