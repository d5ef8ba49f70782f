// Package retry implements the Error & Retry Policy: the error taxonomy of
// spec.md §7, its classification to metrics labels (mirroring the teacher's
// mapErrToMetric), and the single bounded retry of spec.md §4.9.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/diodedynamics/fixturecore/internal/metrics"
)

// Sentinel errors for the taxonomy of spec.md §7. Call sites wrap the
// underlying cause with fmt.Errorf("%w: ...", ErrX, cause) so callers can
// classify with errors.Is while still seeing the original error in Error().
var (
	ErrTransport            = errors.New("transport")
	ErrTimeout              = errors.New("timeout")
	ErrChecksum             = errors.New("checksum_mismatch")
	ErrProtocol             = errors.New("protocol")
	ErrValidation           = errors.New("validation")
	ErrDeviceBusy           = errors.New("device_busy")
	ErrIdentificationFailed = errors.New("identification_failed")
	ErrCancelled            = errors.New("cancelled")
)

// MapErrToMetric classifies a wrapped sentinel error to a metrics label.
func MapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrTransport):
		return metrics.ErrTransport
	case errors.Is(err, ErrTimeout):
		return metrics.ErrTimeout
	case errors.Is(err, ErrChecksum):
		return metrics.ErrChecksum
	case errors.Is(err, ErrProtocol):
		return metrics.ErrProtocol
	case errors.Is(err, ErrValidation):
		return metrics.ErrValidation
	case errors.Is(err, ErrDeviceBusy):
		return metrics.ErrDeviceBusy
	case errors.Is(err, ErrIdentificationFailed):
		return metrics.ErrIdentify
	case errors.Is(err, ErrCancelled):
		return metrics.ErrCancelled
	default:
		return "other"
	}
}

// IsTransient reports whether err belongs to the "transient transport"
// category of spec.md §4.9 (single read timeout, single checksum mismatch)
// — the only category eligible for the single automatic retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrChecksum)
}

// Op is a unit of work that issues one command attempt, e.g. a closure over
// command.Channel.Send with a function-local relay list and timeout. Each
// call to Op must allocate its own fresh sequence number, so a retry is
// exactly "the current command once more with a fresh sequence number."
type Op func() (string, error)

// WithSingleRetry runs op once. If it fails with a transient error, it waits
// one backoff interval and runs op exactly one more time — never more, per
// spec.md §4.9's "no command may be issued more than twice consecutively."
func WithSingleRetry(ctx context.Context, op Op) (string, error) {
	payload, err := op()
	if err == nil || !IsTransient(err) {
		return payload, err
	}

	metrics.IncCommandRetry()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	d := b.NextBackOff()
	if d == backoff.Stop {
		return payload, err
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return "", ErrCancelled
	}
	return op()
}
