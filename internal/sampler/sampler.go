// Package sampler implements MemorySampler (spec.md §4.5): a background
// poller that tracks the peak memory observed during one sandbox
// execution.
package sampler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// DefaultInterval is the polling period used when the caller does not
// override it.
const DefaultInterval = 50 * time.Millisecond

// Sampler polls a sandbox's memory usage on a fixed interval and tracks the
// running maximum.
type Sampler struct {
	driver   sandbox.Driver
	handle   sandbox.Handle
	interval time.Duration

	peak       int64 // bytes, updated atomically
	failures   int64
	stop       chan struct{}
	done       chan struct{}
}

// Start begins sampling h's memory usage every interval (DefaultInterval if
// interval <= 0) until Stop is called.
func Start(driver sandbox.Driver, h sandbox.Handle, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		driver:   driver,
		handle:   h,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sampler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	bytes, err := s.driver.SampleMemory(ctx, s.handle)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		log.Debug().Err(err).Str("sandbox", s.handle.ID).Msg("memory sample failed")
		return
	}
	for {
		cur := atomic.LoadInt64(&s.peak)
		if bytes <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&s.peak, cur, bytes) {
			return
		}
	}
}

// Stop signals the sampler to stop, waits for it to exit, takes one final
// sample to catch late allocations, and returns the observed peak in
// bytes.
func (s *Sampler) Stop() int64 {
	close(s.stop)
	<-s.done
	s.sampleOnce(context.Background())
	return atomic.LoadInt64(&s.peak)
}

// Failures returns the number of failed sample attempts. Failures never
// abort sampling (spec.md §4.5).
func (s *Sampler) Failures() int64 {
	return atomic.LoadInt64(&s.failures)
}
