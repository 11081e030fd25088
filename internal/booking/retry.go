package booking

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how long the storage-access layer keeps retrying a
// connection-class failure before surfacing ErrStoreUnavailable.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxElapsedTime:  3 * time.Second,
	}
}

// retryStore runs op, retrying only transient store failures with
// exponential backoff. Deterministic errors (conflict, not found, invalid
// state) return immediately; they would fail identically on every attempt.
func retryStore[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxElapsedTime = policy.MaxElapsedTime

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if isTransientStoreError(err) {
			return v, err
		}
		return v, backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// isTransientStoreError reports whether an error is a connectivity failure
// worth retrying, as opposed to a deterministic outcome of the operation.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSlotConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDoctorNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions; 57P01 is admin shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01"
	}

	return false
}

// asUnavailable maps an exhausted transient failure onto the public
// taxonomy so callers can branch on ErrStoreUnavailable.
func asUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if isTransientStoreError(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
