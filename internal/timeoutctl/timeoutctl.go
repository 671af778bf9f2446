// Package timeoutctl implements TimeoutController (spec.md §4.6): a
// wall-clock deadline armed concurrently with a sandbox exec, escalating
// from a graceful stop to a forceful kill if the exec does not return in
// time.
package timeoutctl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nanogrid/faas-worker/internal/sandbox"
)

// State is one of the three points in the controller's lifecycle.
type State int32

const (
	Armed State = iota
	Fired
	Disarmed
)

// GraceWindow is the pause between a graceful Stop and an escalation to
// Kill once the deadline fires.
const GraceWindow = 3 * time.Second

// Controller arms a single deadline against one sandbox handle.
type Controller struct {
	driver sandbox.Driver
	handle sandbox.Handle

	state   int32 // State, accessed atomically
	timer   *time.Timer
	stopped chan struct{}
}

// Arm starts a timer for deadline, ties it to ctx's cancellation (so an
// Executor shutdown fires the same escalation path as a timeout), and
// returns the Controller plus a disarm function the caller must invoke
// once the exec returns on its own.
func Arm(ctx context.Context, driver sandbox.Driver, h sandbox.Handle, deadline time.Duration) (*Controller, func()) {
	c := &Controller{
		driver:  driver,
		handle:  h,
		state:   int32(Armed),
		stopped: make(chan struct{}),
	}

	fire := func() { c.fire() }

	c.timer = time.AfterFunc(deadline, fire)

	go func() {
		select {
		case <-ctx.Done():
			c.fire()
		case <-c.stopped:
		}
	}()

	disarm := func() {
		if atomic.CompareAndSwapInt32(&c.state, int32(Armed), int32(Disarmed)) {
			c.timer.Stop()
		}
		close(c.stopped)
	}
	return c, disarm
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// fire transitions Armed -> Fired exactly once and drives the
// stop-then-kill escalation. It is a no-op if the controller has already
// been disarmed or has already fired.
func (c *Controller) fire() {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Armed), int32(Fired)) {
		return
	}

	ctx := context.Background()
	if err := c.driver.Stop(ctx, c.handle, GraceWindow); err != nil {
		log.Warn().Err(err).Str("sandbox", c.handle.ID).Msg("graceful stop failed after timeout")
	}

	// Give the exec an additional grace window to observe the stop and
	// return before escalating to a hard kill; disarm closes stopped once
	// the exec has returned.
	select {
	case <-c.stopped:
		return
	case <-time.After(GraceWindow):
	}

	if err := c.driver.Kill(ctx, c.handle); err != nil {
		log.Warn().Err(err).Str("sandbox", c.handle.ID).Msg("force kill failed after timeout escalation")
	}
}
