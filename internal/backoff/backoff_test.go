package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWebhookPolicySchedule(t *testing.T) {
	p := WebhookPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, time.Second}, // capped
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("delay after attempt %d = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}
	base := 100 * time.Millisecond
	if got := p.delayWithRand(1, 0); got != base {
		t.Errorf("zero random should yield base delay, got %v", got)
	}
	if got := p.delayWithRand(1, 1); got != base+base/2 {
		t.Errorf("full jitter = %v, want %v", got, base+base/2)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 2}
	calls := 0
	v, attempts, err := Retry(context.Background(), p, 4, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || attempts != 3 || calls != 3 {
		t.Errorf("got v=%q attempts=%d calls=%d", v, attempts, calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Factor: 2}
	boom := errors.New("boom")
	_, attempts, err := Retry(context.Background(), p, 4, func(int) (struct{}, error) {
		return struct{}{}, boom
	})
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err should carry last failure, got %v", err)
	}
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Retry(ctx, WebhookPolicy(), 4, func(int) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSleepCancellation(t *testing.T) {
	p := Policy{Initial: time.Minute, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Sleep(ctx, 1) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after cancellation")
	}
}
