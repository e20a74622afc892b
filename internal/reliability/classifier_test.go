package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

type statusErr struct{ retry bool }

func (e statusErr) Error() string   { return "status" }
func (e statusErr) Retryable() bool { return e.retry }

func TestDoRetriesOnlyRetryableErrors(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, 2*time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return statusErr{retry: true}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do() = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	err = Do(context.Background(), 5, time.Millisecond, time.Millisecond, func(context.Context) error {
		calls++
		return statusErr{retry: false}
	})
	if err == nil || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want error after 1", err, calls)
	}

	calls = 0
	plain := errors.New("boom")
	err = Do(context.Background(), 2, time.Millisecond, time.Millisecond, func(context.Context) error {
		calls++
		return statusErr{retry: true}
	})
	if !IsRetryable(err) || calls != 2 {
		t.Fatalf("Do() = %v after %d calls, want retryable error after 2", err, calls)
	}
	if IsRetryable(plain) {
		t.Fatalf("IsRetryable(plain) = true")
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3, time.Second, time.Second, func(context.Context) error {
		return statusErr{retry: true}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
