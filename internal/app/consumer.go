package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/internal/store"
)

// BatchSubmitter is implemented by Service.
type BatchSubmitter interface {
	Submit(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error)
}

// BatchRequestConsumer runs a batch for every `payment.batch.requested` message.
type BatchRequestConsumer struct {
	submitter BatchSubmitter
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBatchRequestConsumer creates a consumer. timeout must cover the hold timeout.
func NewBatchRequestConsumer(submitter BatchSubmitter, timeout time.Duration, logger *slog.Logger) *BatchRequestConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRequestConsumer{
		submitter: submitter,
		timeout:   timeout,
		logger:    logger.With("component", "batch_consumer"),
	}
}

// HandleMessage returns true to ack. Malformed events and batches that failed for
// reasons a redelivery cannot fix are acked; infrastructure failures are requeued.
func (c *BatchRequestConsumer) HandleMessage(body []byte) bool {
	var event domain.BatchRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal batch request; dropping", "error", err)
		return true
	}

	req := domain.BatchRequest{PaymentRefs: event.PaymentRefs, Source: event.Source}
	if event.BatchID != "" {
		id, err := uuid.Parse(event.BatchID)
		if err != nil {
			c.logger.Warn("invalid batch id in batch request; dropping", "event_id", event.EventID, "batch_id", event.BatchID)
			return true
		}
		req.BatchID = id
	}
	if req.Source == "" {
		req.Source = "rabbitmq"
	}

	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	_, err := c.submitter.Submit(ctx, req)
	if err == nil {
		return true
	}
	if !requeueable(err) {
		c.logger.Warn("batch request failed permanently; acknowledging", "event_id", event.EventID, "outcome", domain.Outcome(err), "error", err)
		return true
	}
	c.logger.Error("batch request failed; requeueing", "event_id", event.EventID, "outcome", domain.Outcome(err), "error", err)
	return false
}

// requeueable reports whether running the same batch again could succeed. Invalid input
// and exhausted details retries are final; the failed event has already been published.
func requeueable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidBatch):
		return false
	case errors.Is(err, domain.ErrDetailsUnavailable):
		return false
	case errors.Is(err, store.ErrDuplicatePaymentRef):
		return false
	default:
		return true
	}
}
