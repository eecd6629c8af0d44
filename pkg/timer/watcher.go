// Package timer provides one-shot and repeating timer watchers that follow
// the same start / stop / await protocol as child watchers.
package timer

import (
	"errors"
	"time"

	"github.com/shoenig/gyro/pkg/reactor"
)

// ErrClosed is returned when arming a watcher after Close.
var ErrClosed = errors.New("timer watcher is closed")

// Watcher fires after a delay, and then every interval if the interval is
// positive. A repeating watcher stays active across expirations.
//
// A Watcher must only be used from the loop's cooperative thread.
type Watcher struct {
	after  time.Duration
	every  time.Duration
	loop   reactor.Loop
	source Source

	active bool
	closed bool
	handle Handle
	gen    uint64

	callback func()
	waiter   reactor.FiberID
}

// New creates an inactive timer watcher.
func New(after, every time.Duration, loop reactor.Loop, source Source) *Watcher {
	return &Watcher{
		after:  after,
		every:  every,
		loop:   loop,
		source: source,
	}
}

// Active reports whether the timer is armed.
func (w *Watcher) Active() bool {
	return w.active
}

// Start arms the timer in callback mode. A non-nil fn replaces any stored
// callback.
func (w *Watcher) Start(fn func()) (*Watcher, error) {
	if fn != nil {
		w.callback = fn
	}
	if w.active {
		return w, nil
	}
	if err := w.arm(); err != nil {
		return w, err
	}
	return w, nil
}

// Stop disarms the timer; it is a no-op when inactive.
func (w *Watcher) Stop() *Watcher {
	w.disarm()
	return w
}

// Await suspends the calling fiber until the next expiration. If the fiber
// is resumed with an error instead, the timer is disarmed and the error
// returned.
func (w *Watcher) Await() error {
	fiber := w.loop.Current()
	if fiber == 0 {
		return reactor.ErrNotInFiber
	}
	if !w.active {
		if err := w.arm(); err != nil {
			return err
		}
	}

	w.waiter = fiber
	res := w.loop.Suspend()
	if res.Err != nil {
		if w.waiter == fiber {
			w.waiter = 0
		}
		w.disarm()
		return res.Err
	}
	return nil
}

// Close disarms the timer for good, resuming any awaiting fiber with
// ErrClosed.
func (w *Watcher) Close() error {
	w.disarm()
	w.closed = true
	if w.waiter != 0 {
		fiber := w.waiter
		w.waiter = 0
		w.loop.Schedule(fiber, reactor.Fail(ErrClosed))
	}
	return nil
}

func (w *Watcher) arm() error {
	if w.closed {
		return ErrClosed
	}
	w.gen++
	gen := w.gen
	w.handle = w.source.Register(w.after, w.every, func() {
		w.expire(gen)
	})
	w.active = true
	w.loop.Ref()
	return nil
}

func (w *Watcher) disarm() {
	if !w.active {
		return
	}
	w.active = false
	w.source.Unregister(w.handle)
	w.handle = 0
	w.loop.Unref()
}

func (w *Watcher) expire(gen uint64) {
	if !w.active || gen != w.gen {
		return
	}
	if w.every <= 0 {
		w.disarm()
	}

	switch {
	case w.waiter != 0:
		fiber := w.waiter
		w.waiter = 0
		w.loop.Schedule(fiber, reactor.Ok(nil))
	case w.callback != nil:
		w.callback()
	}
}
