package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMapErrToMetric(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: eof", ErrTransport), "transport"},
		{fmt.Errorf("%w: deadline", ErrTimeout), "timeout"},
		{fmt.Errorf("%w: bad trailer", ErrChecksum), "checksum"},
		{fmt.Errorf("%w: got ERROR:", ErrProtocol), "protocol"},
		{fmt.Errorf("%w: relay 17", ErrValidation), "validation"},
		{fmt.Errorf("%w: ERROR:TEST_IN_PROGRESS", ErrDeviceBusy), "device_busy"},
		{fmt.Errorf("%w: no probe matched", ErrIdentificationFailed), "identify"},
		{fmt.Errorf("%w", ErrCancelled), "cancelled"},
		{errors.New("unrelated"), "other"},
	}
	for _, c := range cases {
		if got := MapErrToMetric(c.err); got != c.want {
			t.Errorf("MapErrToMetric(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestWithSingleRetry_RetriesOnceOnTransient(t *testing.T) {
	calls := 0
	op := func() (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("%w: timed out", ErrTimeout)
		}
		return "PANELX:OK", nil
	}
	payload, err := WithSingleRetry(context.Background(), op)
	if err != nil {
		t.Fatalf("WithSingleRetry: err = %v", err)
	}
	if payload != "PANELX:OK" {
		t.Fatalf("WithSingleRetry: payload = %q", payload)
	}
	if calls != 2 {
		t.Fatalf("op called %d times, want exactly 2", calls)
	}
}

func TestWithSingleRetry_NeverRetriesTwice(t *testing.T) {
	calls := 0
	op := func() (string, error) {
		calls++
		return "", fmt.Errorf("%w: still timing out", ErrTimeout)
	}
	_, err := WithSingleRetry(context.Background(), op)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WithSingleRetry: err = %v, want ErrTimeout", err)
	}
	if calls != 2 {
		t.Fatalf("op called %d times, want exactly 2 (one retry, no more)", calls)
	}
}

func TestWithSingleRetry_DoesNotRetryNonTransient(t *testing.T) {
	calls := 0
	op := func() (string, error) {
		calls++
		return "", fmt.Errorf("%w: discriminator mismatch", ErrProtocol)
	}
	_, err := WithSingleRetry(context.Background(), op)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("WithSingleRetry: err = %v, want ErrProtocol", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want exactly 1 (no retry for non-transient)", calls)
	}
}
