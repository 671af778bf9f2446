// Package pool implements WarmPool (spec.md §4.4): a per-runtime reservoir
// of pre-initialized, paused sandboxes kept near a target size so task
// execution never pays a cold-start penalty.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// DefaultRuntime is substituted when a checkout names a runtime with no
// configured bucket.
const DefaultRuntime = "python"

const maxUnpauseRetries = 3

// RuntimeConfig describes one runtime bucket's target size and the image
// used to create new sandboxes for it.
type RuntimeConfig struct {
	Runtime  string
	Image    string
	Target   int
	Limits   sandbox.Limits
	Mounts   []sandbox.Mount
}

type bucket struct {
	mu      sync.Mutex
	cfg     RuntimeConfig
	entries []sandbox.Handle
}

// Pool manages one bucket per configured runtime.
type Pool struct {
	driver sandbox.Driver

	mu       sync.RWMutex
	buckets  map[string]*bucket
	replenCh chan string
	wg       sync.WaitGroup
}

// New creates a Pool for the given runtime configurations. Call Run to
// start the background replenishment workers and fill each bucket to its
// target.
func New(driver sandbox.Driver, configs []RuntimeConfig) *Pool {
	p := &Pool{
		driver:   driver,
		buckets:  make(map[string]*bucket, len(configs)),
		replenCh: make(chan string, 64),
	}
	for _, c := range configs {
		p.buckets[c.Runtime] = &bucket{cfg: c}
	}
	return p
}

// Run starts one replenishment worker per configured runtime bucket and
// fills every bucket to its target concurrently. It blocks until the
// initial fill completes; replenishment workers keep running until ctx is
// canceled.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < len(p.buckets); i++ {
		p.wg.Add(1)
		go p.replenishWorker(ctx)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(p.buckets))
	for _, b := range p.buckets {
		wg.Add(1)
		go func(b *bucket) {
			defer wg.Done()
			for i := 0; i < b.cfg.Target; i++ {
				if err := p.fillOne(ctx, b); err != nil {
					errs <- err
					return
				}
			}
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until all replenishment workers have exited (after ctx is
// canceled).
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) fillOne(ctx context.Context, b *bucket) error {
	// Create already boots the sandbox running the backend's long-lived
	// no-op keep-alive command; pausing it immediately is what makes it a
	// warm-pool entry.
	h, err := p.driver.Create(ctx, b.cfg.Image, b.cfg.Mounts, b.cfg.Limits)
	if err != nil {
		return err
	}
	if err := p.driver.Pause(ctx, h); err != nil {
		_ = p.driver.Remove(ctx, h, true)
		return err
	}

	b.mu.Lock()
	b.entries = append(b.entries, h)
	b.mu.Unlock()
	return nil
}

func (p *Pool) bucketFor(runtime string) *bucket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.buckets[runtime]; ok {
		return b
	}
	return p.buckets[DefaultRuntime]
}

// Checkout pops the oldest paused sandbox for runtime (substituting
// DefaultRuntime if runtime has no bucket), unpauses it, and asynchronously
// dispatches a replenishment so the bucket trends back toward its target.
// If the bucket is empty, a sandbox is created synchronously and the
// caller waits.
func (p *Pool) Checkout(ctx context.Context, runtime string) (sandbox.Handle, error) {
	return p.checkout(ctx, runtime, 0)
}

func (p *Pool) checkout(ctx context.Context, runtime string, depth int) (sandbox.Handle, error) {
	b := p.bucketFor(runtime)
	if b == nil {
		return sandbox.Handle{}, fmt.Errorf("pool: no bucket for runtime %q and no default configured", runtime)
	}

	h, ok := b.pop()
	if !ok {
		if err := p.fillOne(ctx, b); err != nil {
			return sandbox.Handle{}, err
		}
		h, ok = b.pop()
		if !ok {
			return sandbox.Handle{}, fmt.Errorf("pool: bucket %q empty after synchronous fill", b.cfg.Runtime)
		}
	}

	if err := p.driver.Unpause(ctx, h); err != nil {
		log.Warn().Err(err).Str("sandbox", h.ID).Str("runtime", b.cfg.Runtime).Msg("unpause failed, discarding poisoned sandbox")
		_ = p.driver.Remove(ctx, h, true)
		if depth >= maxUnpauseRetries {
			return sandbox.Handle{}, fmt.Errorf("pool: repeated unpause failure for runtime %q: %w", b.cfg.Runtime, err)
		}
		return p.checkout(ctx, runtime, depth+1)
	}

	select {
	case p.replenCh <- b.cfg.Runtime:
	default:
		log.Warn().Str("runtime", b.cfg.Runtime).Msg("replenishment queue full, bucket will stay under target until it drains")
	}

	return h, nil
}

func (b *bucket) pop() (sandbox.Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return sandbox.Handle{}, false
	}
	h := b.entries[0]
	b.entries = b.entries[1:]
	return h, true
}

const maxReplenishRetries = 2

func (p *Pool) replenishWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runtime := <-p.replenCh:
			p.replenish(ctx, runtime)
		}
	}
}

func (p *Pool) replenish(ctx context.Context, runtime string) {
	b := p.bucketFor(runtime)
	if b == nil {
		return
	}
	var lastErr error
	for attempt := 0; attempt <= maxReplenishRetries; attempt++ {
		if err := p.fillOne(ctx, b); err != nil {
			lastErr = err
			continue
		}
		return
	}
	log.Error().Err(lastErr).Str("runtime", runtime).Msg("replenishment failed after retries, bucket left below target")
}

// Size returns the current resident count of runtime's bucket, for tests
// and metrics.
func (p *Pool) Size(runtime string) int {
	b := p.bucketFor(runtime)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// settleTimeout bounds how long tests should wait for async replenishment
// to reconcile a bucket back to target.
const settleTimeout = 2 * time.Second
