package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// fakeDriver is an in-memory sandbox.Driver double for exercising pool
// reconciliation without a real container runtime.
type fakeDriver struct {
	mu            sync.Mutex
	nextID        int64
	paused        map[string]bool
	unpauseErrFor string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{paused: make(map[string]bool)}
}

func (d *fakeDriver) Create(ctx context.Context, image string, mounts []sandbox.Mount, limits sandbox.Limits) (sandbox.Handle, error) {
	id := fmt.Sprintf("sbx-%d", atomic.AddInt64(&d.nextID, 1))
	return sandbox.Handle{ID: id, Runtime: image, CreatedAt: time.Now()}, nil
}

func (d *fakeDriver) Pause(ctx context.Context, h sandbox.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused[h.ID] = true
	return nil
}

func (d *fakeDriver) Unpause(ctx context.Context, h sandbox.Handle) error {
	if d.unpauseErrFor != "" && h.ID == d.unpauseErrFor {
		return fmt.Errorf("simulated unpause failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused[h.ID] = false
	return nil
}

func (d *fakeDriver) Exec(ctx context.Context, h sandbox.Handle, argv []string, env map[string]string, cwd string) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, h sandbox.Handle, grace time.Duration) error { return nil }
func (d *fakeDriver) Kill(ctx context.Context, h sandbox.Handle) error                      { return nil }
func (d *fakeDriver) Remove(ctx context.Context, h sandbox.Handle, force bool) error        { return nil }
func (d *fakeDriver) SampleMemory(ctx context.Context, h sandbox.Handle) (int64, error)     { return 0, nil }

func TestPool_RunFillsToTarget(t *testing.T) {
	d := newFakeDriver()
	p := New(d, []RuntimeConfig{{Runtime: "python", Image: "img", Target: 3}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.Size("python"); got != 3 {
		t.Fatalf("expected bucket filled to target 3, got %d", got)
	}
}

func TestPool_CheckoutUnpausesAndReplenishes(t *testing.T) {
	d := newFakeDriver()
	p := New(d, []RuntimeConfig{{Runtime: "python", Image: "img", Target: 2}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h, err := p.Checkout(ctx, "python")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected a non-empty handle")
	}

	deadline := time.Now().Add(time.Second)
	for p.Size("python") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.Size("python"); got != 2 {
		t.Fatalf("expected bucket replenished back to target 2, got %d", got)
	}
}

func TestPool_CheckoutUnknownRuntimeSubstitutesDefault(t *testing.T) {
	d := newFakeDriver()
	p := New(d, []RuntimeConfig{{Runtime: DefaultRuntime, Image: "img", Target: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h, err := p.Checkout(ctx, "ruby")
	if err != nil {
		t.Fatalf("Checkout for unconfigured runtime should substitute default: %v", err)
	}
	if h.ID == "" {
		t.Fatal("expected a handle from the default bucket")
	}
}

func TestPool_CheckoutDiscardsPoisonedSandbox(t *testing.T) {
	d := newFakeDriver()
	p := New(d, []RuntimeConfig{{Runtime: "python", Image: "img", Target: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Poison whichever sandbox is currently resident so the first checkout
	// attempt fails unpause and must recurse onto a freshly filled one.
	d.mu.Lock()
	for id := range d.paused {
		d.unpauseErrFor = id
		break
	}
	d.mu.Unlock()

	h, err := p.Checkout(ctx, "python")
	if err != nil {
		t.Fatalf("Checkout should recover by discarding the poisoned sandbox: %v", err)
	}
	if h.ID == d.unpauseErrFor {
		t.Fatal("expected the poisoned sandbox to be discarded, not returned")
	}
}
