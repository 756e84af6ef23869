package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/payment-batch-service/internal/domain"
)

func TestRetryPolicy_DelayGrowsGeometrically(t *testing.T) {
	policy := DefaultRetryPolicy()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := policy.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}

	policy.MaxDelay = 5 * time.Second
	if got := policy.Delay(3); got != 5*time.Second {
		t.Fatalf("expected delay capped at 5s, got %s", got)
	}
}

func TestRetryPolicy_WorstCase(t *testing.T) {
	if got := DefaultRetryPolicy().WorstCase(); got != 21*time.Second {
		t.Fatalf("expected 21s, got %s", got)
	}
	single := RetryPolicy{MaxAttempts: 1, InitialDelay: time.Second, Multiplier: 2, AttemptTimeout: time.Second}
	if got := single.WorstCase(); got != time.Second {
		t.Fatalf("expected one attempt and no backoff, got %s", got)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *RetryPolicy)
		wantErr bool
	}{
		{name: "default", mutate: func(p *RetryPolicy) {}},
		{name: "zero attempts", mutate: func(p *RetryPolicy) { p.MaxAttempts = 0 }, wantErr: true},
		{name: "negative delay", mutate: func(p *RetryPolicy) { p.InitialDelay = -time.Second }, wantErr: true},
		{name: "shrinking multiplier", mutate: func(p *RetryPolicy) { p.Multiplier = 0.5 }, wantErr: true},
		{name: "negative attempt timeout", mutate: func(p *RetryPolicy) { p.AttemptTimeout = -1 }, wantErr: true},
		{name: "constant delay", mutate: func(p *RetryPolicy) { p.Multiplier = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tc.mutate(&p)
			err := p.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("wantErr=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func newTestRetrier(t *testing.T, reader DetailsReader, policy RetryPolicy) (*DetailsRetrier, *[]time.Duration) {
	t.Helper()
	r, err := NewDetailsRetrier(reader, policy, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewDetailsRetrier: %v", err)
	}
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

func TestFetch_EmptyRefsSkipsReader(t *testing.T) {
	reader := &scriptedReader{results: []lookupResult{{err: errors.New("should not be called")}}}
	r, _ := newTestRetrier(t, reader, DefaultRetryPolicy())

	details, attempts, err := r.Fetch(context.Background(), uuid.New(), nil)
	if err != nil || len(details) != 0 || attempts != 0 {
		t.Fatalf("expected empty success, got %v %d %v", details, attempts, err)
	}
	if reader.calls != 0 {
		t.Fatalf("expected no lookups, got %d", reader.calls)
	}
}

func TestFetch_IgnoresUnrequestedRefs(t *testing.T) {
	reader := &scriptedReader{results: []lookupResult{{details: detailsFor("P1", "P2", "EXTRA")}}}
	r, _ := newTestRetrier(t, reader, DefaultRetryPolicy())

	details, _, err := r.Fetch(context.Background(), uuid.New(), []string{"P1", "P2"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if _, ok := details["EXTRA"]; ok || len(details) != 2 {
		t.Fatalf("expected exactly the requested refs, got %v", details)
	}
}

func TestFetch_TransientErrorsAreRetried(t *testing.T) {
	reader := &scriptedReader{results: []lookupResult{
		{err: &pgconn.PgError{Code: "08006", Message: "connection failure"}},
		{details: detailsFor("P1")},
	}}
	r, delays := newTestRetrier(t, reader, DefaultRetryPolicy())

	_, attempts, err := r.Fetch(context.Background(), uuid.New(), []string{"P1"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 2 || len(*delays) != 1 || (*delays)[0] != 2*time.Second {
		t.Fatalf("expected one 2s backoff, attempts=%d delays=%v", attempts, *delays)
	}
}

func TestFetch_ExhaustedTransientErrorsKeepCause(t *testing.T) {
	reader := &scriptedReader{results: []lookupResult{{err: &pgconn.PgError{Code: "57P01"}}}}
	batchID := uuid.New()
	r, _ := newTestRetrier(t, reader, DefaultRetryPolicy())

	_, attempts, err := r.Fetch(context.Background(), batchID, []string{"P1"})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, domain.ErrDetailsUnavailable) || !errors.Is(err, domain.ErrDetailsTransient) {
		t.Fatalf("expected unavailable wrapping transient, got %v", err)
	}
	var berr *domain.BatchError
	if !errors.As(err, &berr) || berr.BatchID != batchID {
		t.Fatalf("expected batch error for %s, got %v", batchID, err)
	}
}

func TestFetch_AttemptTimeoutIsRecoverable(t *testing.T) {
	reader := &blockingReader{blockCalls: 1, details: detailsFor("P1")}
	policy := DefaultRetryPolicy()
	policy.AttemptTimeout = 10 * time.Millisecond
	r, delays := newTestRetrier(t, reader, policy)

	_, attempts, err := r.Fetch(context.Background(), uuid.New(), []string{"P1"})
	if err != nil {
		t.Fatalf("expected success after a timed out attempt, got %v", err)
	}
	if attempts != 2 || len(*delays) != 1 {
		t.Fatalf("expected one retry, attempts=%d delays=%v", attempts, *delays)
	}
}

func TestFetch_CustomClassifierCanStopRetries(t *testing.T) {
	reader := &scriptedReader{results: []lookupResult{{details: detailsFor()}}}
	policy := DefaultRetryPolicy()
	policy.Classify = func(err error) FailureCategory { return FailureTerminal }
	r, delays := newTestRetrier(t, reader, policy)

	_, _, err := r.Fetch(context.Background(), uuid.New(), []string{"P1"})
	if !errors.Is(err, domain.ErrDetailsMissing) {
		t.Fatalf("expected missing details cause, got %v", err)
	}
	if reader.calls != 1 || len(*delays) != 0 {
		t.Fatalf("expected no retry, calls=%d", reader.calls)
	}
}

func TestSleepContext_AbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected sleep to return immediately")
	}
}

// blockingReader waits for the attempt deadline on its first blockCalls calls.
type blockingReader struct {
	blockCalls int
	details    map[string]domain.PaymentDetail
	calls      int
}

func (r *blockingReader) Lookup(ctx context.Context, refs []string) (map[string]domain.PaymentDetail, error) {
	r.calls++
	if r.calls <= r.blockCalls {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.details, nil
}
