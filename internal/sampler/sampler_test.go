package sampler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// fakeDriver returns a scripted sequence of memory samples, repeating the
// last value once the sequence is exhausted, so tests can script a rising
// and falling usage curve.
type fakeDriver struct {
	samples []int64
	calls   int64
	failAt  int64 // -1 disables
}

func (d *fakeDriver) Create(ctx context.Context, image string, mounts []sandbox.Mount, limits sandbox.Limits) (sandbox.Handle, error) {
	return sandbox.Handle{}, nil
}
func (d *fakeDriver) Pause(ctx context.Context, h sandbox.Handle) error   { return nil }
func (d *fakeDriver) Unpause(ctx context.Context, h sandbox.Handle) error { return nil }
func (d *fakeDriver) Exec(ctx context.Context, h sandbox.Handle, argv []string, env map[string]string, cwd string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (d *fakeDriver) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error { return nil }
func (d *fakeDriver) Kill(ctx context.Context, h sandbox.Handle) error                      { return nil }
func (d *fakeDriver) Remove(ctx context.Context, h sandbox.Handle, force bool) error         { return nil }

func (d *fakeDriver) SampleMemory(ctx context.Context, h sandbox.Handle) (int64, error) {
	n := atomic.AddInt64(&d.calls, 1)
	if d.failAt > 0 && n == d.failAt {
		return 0, errors.New("simulated sample failure")
	}
	if len(d.samples) == 0 {
		return 0, nil
	}
	idx := int(n) - 1
	if idx >= len(d.samples) {
		idx = len(d.samples) - 1
	}
	return d.samples[idx], nil
}

func TestSampler_TracksRunningPeak(t *testing.T) {
	d := &fakeDriver{samples: []int64{10, 50, 30, 60, 20}, failAt: -1}
	s := Start(d, sandbox.Handle{ID: "sbx-1"}, 2*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&d.calls) < int64(len(d.samples)) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	peak := s.Stop()
	if peak != 60 {
		t.Fatalf("expected peak 60, got %d", peak)
	}
}

func TestSampler_StopTakesFinalSample(t *testing.T) {
	// A single huge late sample should still be captured by Stop's final
	// sampleOnce, even if the ticker never had time to fire on its own.
	d := &fakeDriver{samples: []int64{99 * 1024 * 1024}, failAt: -1}
	s := Start(d, sandbox.Handle{ID: "sbx-2"}, time.Hour)

	peak := s.Stop()
	if peak != 99*1024*1024 {
		t.Fatalf("expected final sample to set peak, got %d", peak)
	}
}

func TestSampler_FailuresDoNotAbortSampling(t *testing.T) {
	d := &fakeDriver{samples: []int64{10, 20, 30}, failAt: 2}
	s := Start(d, sandbox.Handle{ID: "sbx-3"}, 2*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&d.calls) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	peak := s.Stop()
	if peak <= 0 {
		t.Fatalf("expected sampling to continue past a failed sample, peak=%d", peak)
	}
	if s.Failures() == 0 {
		t.Fatal("expected at least one recorded failure")
	}
}
