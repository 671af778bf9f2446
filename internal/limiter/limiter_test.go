package limiter

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(permits int) *Limiter {
	l := &Limiter{permits: make(chan struct{}, permits), total: permits}
	for i := 0; i < permits; i++ {
		l.permits <- struct{}{}
	}
	return l
}

func TestLimiter_AcquireRelease(t *testing.T) {
	l := newTestLimiter(1)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to block and then fail once the single permit is held")
	}

	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("expected a permit available after Release, got %v", err)
	}
}

func TestLimiter_ReleaseBeyondCapacityDoesNotBlockOrPanic(t *testing.T) {
	l := newTestLimiter(1)
	l.Release() // no matching Acquire; must not block or panic
	l.Release()

	if l.Total() != 1 {
		t.Fatalf("expected total unchanged by extra releases, got %d", l.Total())
	}
}

func TestLimiter_Total(t *testing.T) {
	l := newTestLimiter(7)
	if l.Total() != 7 {
		t.Fatalf("expected Total 7, got %d", l.Total())
	}
}
