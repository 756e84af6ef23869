package app

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/payment-batch-service/internal/domain"
)

// FailureCategory tells the details retrier whether another attempt can help.
type FailureCategory int

const (
	FailureTerminal FailureCategory = iota
	FailureRecoverable
)

func (c FailureCategory) String() string {
	if c == FailureRecoverable {
		return "recoverable"
	}
	return "terminal"
}

// Classifier decides the category of an error returned by one details lookup attempt.
type Classifier func(err error) FailureCategory

// ClassifyDetailsError is the default Classifier. Missing rows, attempt timeouts and
// connection-level or contention failures from the secondary database are recoverable;
// anything else (bad SQL, permissions, scan errors) is terminal.
func ClassifyDetailsError(err error) FailureCategory {
	if err == nil {
		return FailureRecoverable
	}
	if errors.Is(err, domain.ErrDetailsMissing) || errors.Is(err, domain.ErrDetailsTransient) {
		return FailureRecoverable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRecoverable
	}
	if errors.Is(err, context.Canceled) {
		return FailureTerminal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return FailureRecoverable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureRecoverable
	}
	return FailureTerminal
}

func classifySQLState(code string) FailureCategory {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return FailureRecoverable
	case strings.HasPrefix(code, "53"): // insufficient resources
		return FailureRecoverable
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return FailureRecoverable
	case code == "57014": // query_canceled, raised by statement_timeout
		return FailureRecoverable
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return FailureRecoverable
	default:
		return FailureTerminal
	}
}
