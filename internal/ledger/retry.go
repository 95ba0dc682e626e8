package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/lib/pq"
)

// RetryPolicy bounds every storage call: each attempt gets Timeout, transient
// failures are retried up to Attempts times with doubling backoff.
type RetryPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
	MaxDelay time.Duration

	// OnRetry is called before sleeping between attempts.
	OnRetry func(op string, attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Timeout:  5 * time.Second,
		Backoff:  50 * time.Millisecond,
		MaxDelay: time.Second,
	}
}

// Do runs fn under the policy. Non-transient errors, including application
// errors, are returned on first occurrence.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.attempt(ctx, fn)
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		if serr := sleepWithContext(ctx, delay); serr != nil {
			return serr
		}
		if delay *= 2; p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrRetriesExhausted, err)
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(actx)
}

// IsTransient reports whether err is worth retrying: deadlocks, serialization
// failures, lost connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01", "40001":
			return true
		}
		return pqErr.Code.Class() == "08"
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr *net.OpError
	return errors.As(err, &netErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
