package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/transfa/payment-batch-service/internal/domain"
)

// DetailsRepository reads `payment_details` from the secondary database. It never
// writes, so repeated lookups with the same refs return the same rows.
type DetailsRepository struct {
	db DBTX
}

func NewDetailsRepository(db DBTX) *DetailsRepository {
	return &DetailsRepository{db: db}
}

// Lookup returns the details found for refs, keyed by payment ref. Refs with no row are
// simply absent from the result. Only payment_ref and amount are required; NULL text
// columns read as empty strings.
func (r *DetailsRepository) Lookup(ctx context.Context, refs []string) (map[string]domain.PaymentDetail, error) {
	details := make(map[string]domain.PaymentDetail, len(refs))
	if len(refs) == 0 {
		return details, nil
	}

	// ANY($1) binds the whole list as one text[] so there is no placeholder limit.
	query := `
		SELECT payment_ref, amount, currency, customer_id, merchant_id, payment_method, description
		FROM payment_details
		WHERE payment_ref = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, refs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.PaymentDetail
		var currency, customerID, merchantID, method, descText pgtype.Text
		if err := rows.Scan(
			&d.PaymentRef,
			&d.Amount,
			&currency,
			&customerID,
			&merchantID,
			&method,
			&descText,
		); err != nil {
			return nil, fmt.Errorf("scan payment detail: %w", err)
		}
		d.Currency = currency.String
		d.CustomerID = customerID.String
		d.MerchantID = merchantID.String
		d.PaymentMethod = method.String
		d.Description = descText.String
		details[d.PaymentRef] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}
