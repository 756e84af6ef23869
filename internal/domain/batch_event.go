package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	BatchRequestedRoutingKey = "payment.batch.requested"
	BatchCompletedRoutingKey = "payment.batch.completed"
	BatchFailedRoutingKey    = "payment.batch.failed"
)

// BatchRequestedEvent is consumed from the events exchange to start a batch.
type BatchRequestedEvent struct {
	EventID     string    `json:"event_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	PaymentRefs []string  `json:"payment_refs"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BatchCompletedEvent is published after a batch commits.
type BatchCompletedEvent struct {
	BatchID     uuid.UUID `json:"batch_id"`
	PaymentRefs []string  `json:"payment_refs"`
	Payments    int       `json:"payments"`
	Attempts    int       `json:"details_attempts"`
	HeldForMS   int64     `json:"held_for_ms"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BatchFailedEvent is published after a batch rolls back.
type BatchFailedEvent struct {
	BatchID     uuid.UUID `json:"batch_id"`
	PaymentRefs []string  `json:"payment_refs"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
}
