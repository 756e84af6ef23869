package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidBatch       = errors.New("invalid payment batch")
	ErrBegin              = errors.New("begin transaction failed")
	ErrProvisionalWrite   = errors.New("provisional payment write failed")
	ErrDetailsMissing     = errors.New("payment details missing")
	ErrDetailsTransient   = errors.New("payment details read failed transiently")
	ErrDetailsUnavailable = errors.New("payment details unavailable")
	ErrFinalizeWrite      = errors.New("payment finalize write failed")
	ErrCommit             = errors.New("commit failed")
)

// BatchError is the single failure a caller of the hold coordinator sees. Kind is one
// of the sentinels above and Err carries the root cause; errors.Is matches either.
type BatchError struct {
	BatchID uuid.UUID
	Kind    error
	Err     error
}

func (e *BatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment batch %s: %v", e.BatchID, e.Kind)
	}
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("payment batch %s: %v", e.BatchID, e.Err)
	}
	return fmt.Sprintf("payment batch %s: %v: %v", e.BatchID, e.Kind, e.Err)
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// MissingDetailsError reports refs the details lookup did not return.
type MissingDetailsError struct {
	Missing []string
}

func (e *MissingDetailsError) Error() string {
	return fmt.Sprintf("payment details missing: %s", strings.Join(e.Missing, ", "))
}

func (e *MissingDetailsError) Is(target error) bool {
	return target == ErrDetailsMissing
}

// Outcome returns the metric/event label for a ProcessBatch result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrInvalidBatch):
		return "invalid"
	case errors.Is(err, ErrBegin):
		return "begin_failed"
	case errors.Is(err, ErrProvisionalWrite):
		return "provisional_write_failed"
	case errors.Is(err, ErrDetailsUnavailable):
		return "details_unavailable"
	case errors.Is(err, ErrFinalizeWrite):
		return "finalize_failed"
	case errors.Is(err, ErrCommit):
		return "commit_failed"
	default:
		return "error"
	}
}
