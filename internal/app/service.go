/**
 * @description
 * This file contains the application service of the payment-batch-service. The `Service`
 * struct is the single entry point used by the HTTP API, the RabbitMQ consumer and the
 * intake job to run a payment batch.
 *
 * Key features:
 * - Normalizes and bounds incoming payment refs before a transaction is opened.
 * - Runs the batch through the hold coordinator.
 * - Publishes `payment.batch.completed` / `payment.batch.failed` once the transaction
 *   has ended. Publishing never changes the batch outcome.
 *
 * @dependencies
 * - github.com/google/uuid: For batch id generation.
 * - internal/domain: For domain models and error kinds.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/pkg/rabbitmq"
)

const (
	DefaultMaxBatchSize   = 500
	DefaultEventsExchange = "transfa.events"

	publishTimeout = 5 * time.Second
)

// BatchProcessor is implemented by HoldCoordinator.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error)
}

// PaymentFinder reads committed payments.
type PaymentFinder interface {
	FindPaymentByRef(ctx context.Context, paymentRef string) (*domain.Payment, error)
}

// Service provides the batch use cases.
type Service struct {
	processor    BatchProcessor
	payments     PaymentFinder
	events       rabbitmq.Publisher
	exchange     string
	maxBatchSize int
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a new payment batch service. A nil producer disables events.
func NewService(processor BatchProcessor, payments PaymentFinder, producer rabbitmq.Publisher, exchange string, maxBatchSize int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Service{
		processor:    processor,
		payments:     payments,
		events:       producer,
		exchange:     exchange,
		maxBatchSize: maxBatchSize,
		logger:       logger.With("component", "batch_service"),
		now:          time.Now,
	}
}

// SubmitBatch runs refs as one new batch.
func (s *Service) SubmitBatch(ctx context.Context, refs []string, source string) (*domain.BatchResult, error) {
	return s.Submit(ctx, domain.BatchRequest{PaymentRefs: refs, Source: source})
}

// Submit runs req as one batch. Refs are trimmed and de-duplicated in order, and a batch
// id is assigned when req has none.
func (s *Service) Submit(ctx context.Context, req domain.BatchRequest) (*domain.BatchResult, error) {
	if req.BatchID == uuid.Nil {
		req.BatchID = uuid.New()
	}
	req.PaymentRefs = domain.NormalizePaymentRefs(req.PaymentRefs)

	if len(req.PaymentRefs) > s.maxBatchSize {
		return nil, &domain.BatchError{
			BatchID: req.BatchID,
			Kind:    domain.ErrInvalidBatch,
			Err:     fmt.Errorf("%d payment refs exceeds the batch limit of %d", len(req.PaymentRefs), s.maxBatchSize),
		}
	}

	result, err := s.processor.ProcessBatch(ctx, req)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidBatch) {
			s.publishFailed(ctx, req, err)
		}
		return nil, err
	}
	s.publishCompleted(ctx, req, result)
	return result, nil
}

// FindPayment returns a committed payment by ref.
func (s *Service) FindPayment(ctx context.Context, paymentRef string) (*domain.Payment, error) {
	if s.payments == nil {
		return nil, errors.New("payment lookup is not configured")
	}
	return s.payments.FindPaymentByRef(ctx, paymentRef)
}

func (s *Service) publishCompleted(ctx context.Context, req domain.BatchRequest, result *domain.BatchResult) {
	event := domain.BatchCompletedEvent{
		BatchID:     result.BatchID,
		PaymentRefs: req.PaymentRefs,
		Payments:    result.Payments,
		Attempts:    result.Attempts,
		HeldForMS:   result.HeldFor.Milliseconds(),
		Source:      req.Source,
		OccurredAt:  s.now().UTC(),
	}
	s.publish(ctx, domain.BatchCompletedRoutingKey, req.BatchID, event)
}

func (s *Service) publishFailed(ctx context.Context, req domain.BatchRequest, cause error) {
	event := domain.BatchFailedEvent{
		BatchID:     req.BatchID,
		PaymentRefs: req.PaymentRefs,
		Outcome:     domain.Outcome(cause),
		Reason:      cause.Error(),
		Source:      req.Source,
		OccurredAt:  s.now().UTC(),
	}
	s.publish(ctx, domain.BatchFailedRoutingKey, req.BatchID, event)
}

func (s *Service) publish(ctx context.Context, routingKey string, batchID uuid.UUID, event any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, s.exchange, routingKey, event); err != nil {
		s.logger.Warn("failed to publish batch event", "batch_id", batchID, "routing_key", routingKey, "error", err)
	}
}
