// Package timers provides the cancellable one-shot deadline used to bound
// connects, handshakes and channel liveness. A Deadline is bound to a strand:
// expiry and cancellation both post their handler to that strand, so the
// handler can race an operation completing on the same strand for a stopped
// latch without further synchronization.
package timers

import (
	"time"

	"github.com/hashforge/bnet/neterror"
	"github.com/hashforge/bnet/pool"
)

// Handler receives the outcome of an armed deadline: nil on expiry,
// neterror.ErrOperationCanceled when the arm was stopped or re-armed first.
// Exactly one of the two is delivered per arm.
type Handler func(error)

// Deadline is a cancellable one-shot timer. All methods must be called on the
// owning strand; the armed handler is likewise invoked on that strand.
type Deadline struct {
	strand   *pool.Strand
	duration time.Duration

	// generation distinguishes the current arm from stale expiries that
	// were already in flight when the timer was stopped or re-armed.
	generation uint64

	timer   *time.Timer
	handler Handler
}

// NewDeadline creates a deadline bound to the given strand with a default
// duration used by the single-argument Start.
func NewDeadline(strand *pool.Strand, duration time.Duration) *Deadline {
	return &Deadline{
		strand:   strand,
		duration: duration,
	}
}

// Start arms the deadline with the default duration.
func (d *Deadline) Start(handler Handler) {
	d.StartWith(handler, d.duration)
}

// StartWith arms the deadline for the given duration. Re-arming cancels the
// prior arm, whose handler receives ErrOperationCanceled before the new arm's
// handler can fire. At most one handler is armed at a time.
func (d *Deadline) StartWith(handler Handler, duration time.Duration) {
	d.cancel()

	d.generation++
	d.handler = handler

	gen := d.generation
	d.timer = time.AfterFunc(duration, func() {
		d.strand.Post(func() {
			d.expire(gen)
		})
	})
}

// Stop cancels a pending arm. The armed handler, if any, receives
// ErrOperationCanceled. Stopping an idle deadline is a no-op.
func (d *Deadline) Stop() {
	d.cancel()
}

// cancel invalidates the current arm and notifies its handler.
func (d *Deadline) cancel() {
	d.generation++

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	if d.handler != nil {
		handler := d.handler
		d.handler = nil
		d.strand.Post(func() {
			handler(neterror.ErrOperationCanceled)
		})
	}
}

// expire fires the armed handler if the arm is still current. Expiry and
// cancellation are mutually exclusive for a given arm: whichever bumps or
// matches the generation first wins.
func (d *Deadline) expire(gen uint64) {
	if gen != d.generation {
		return
	}

	handler := d.handler
	d.handler = nil
	d.timer = nil

	if handler != nil {
		handler(nil)
	}
}
