// Package child provides a watcher that reports the exit of a child process
// either to a callback or to a fiber suspended on it.
package child

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/gyro/pkg/exits"
	"github.com/shoenig/gyro/pkg/process"
	"github.com/shoenig/gyro/pkg/reactor"
)

var (
	// ErrAwaiting is returned by Await when another fiber is already
	// awaiting the watcher.
	ErrAwaiting = errors.New("child watcher is already awaited by another fiber")

	// ErrClosed is returned when arming a watcher after Close, and delivered
	// to a fiber still awaiting the watcher when it is closed.
	ErrClosed = errors.New("child watcher is closed")

	// ErrUnexpectedValue is returned by Await when the fiber is resumed with
	// something other than an exit.
	ErrUnexpectedValue = errors.New("child watcher resumed with unexpected value")
)

// Handler is invoked with the exit of the watched process.
type Handler func(process.Exit)

// Source is where a watcher registers interest in the exit of its pid.
type Source interface {
	Register(pid int, fn exits.Handler) (exits.Handle, error)
	Unregister(h exits.Handle)
}

// Watcher watches one child process. A watcher is either active, holding a
// registration with its Source and one reference on its loop, or inactive,
// holding neither.
//
// A Watcher must only be used from the loop's cooperative thread.
type Watcher struct {
	pid    int
	loop   reactor.Loop
	source Source
	logger hclog.Logger

	active bool
	closed bool
	handle exits.Handle

	// gen identifies the current registration; completions carrying an
	// older generation are ignored
	gen uint64

	callback Handler
	waiter   reactor.FiberID

	// unseen is an exit routed to an awaiting fiber that was resumed with
	// something else first; the next Await returns it
	unseen *process.Exit
}

// New creates an inactive watcher for pid. The pid is not checked until the
// watcher is armed.
func New(pid int, loop reactor.Loop, source Source, logger hclog.Logger) *Watcher {
	return &Watcher{
		pid:    pid,
		loop:   loop,
		source: source,
		logger: logger.Named("child").With("pid", pid),
	}
}

// PID returns the pid being watched.
func (w *Watcher) PID() int {
	return w.pid
}

// Active reports whether the watcher is registered with its Source.
func (w *Watcher) Active() bool {
	return w.active
}

// Start arms the watcher in callback mode. A non-nil fn replaces any
// previously stored handler; a nil fn keeps it. Starting an active watcher
// only updates the handler.
//
// The handler is kept across Stop, so a later Start(nil) reuses it.
func (w *Watcher) Start(fn Handler) (*Watcher, error) {
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

// Stop disarms the watcher. Stopping an inactive watcher is a no-op. The
// stored handler and any awaiting fiber are left in place.
func (w *Watcher) Stop() *Watcher {
	w.disarm()
	return w
}

// Await suspends the calling fiber until the process exits, arming the
// watcher if needed. If the fiber is instead resumed with an error, the
// watcher is disarmed and the error returned.
func (w *Watcher) Await() (process.Exit, error) {
	fiber := w.loop.Current()
	switch {
	case fiber == 0:
		return process.Exit{}, reactor.ErrNotInFiber
	case w.waiter != 0 && w.waiter != fiber:
		return process.Exit{}, ErrAwaiting
	}

	if w.unseen != nil && !w.active {
		exit := *w.unseen
		w.unseen = nil
		return exit, nil
	}

	if !w.active {
		if err := w.arm(); err != nil {
			return process.Exit{}, err
		}
	}

	w.waiter = fiber
	w.logger.Trace("await", "fiber", fiber)
	res := w.loop.Suspend()

	if res.Err != nil {
		w.cancel(fiber)
		return process.Exit{}, res.Err
	}

	exit, ok := res.Value.(process.Exit)
	if !ok {
		w.cancel(fiber)
		return process.Exit{}, fmt.Errorf("%w: %T", ErrUnexpectedValue, res.Value)
	}
	w.unseen = nil
	return exit, nil
}

// Close disarms the watcher for good. A fiber still awaiting the watcher is
// resumed with ErrClosed. Close is idempotent.
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

// cancel tears down after the awaiting fiber was resumed without an exit.
func (w *Watcher) cancel(fiber reactor.FiberID) {
	if w.waiter == fiber {
		w.waiter = 0
	}
	w.logger.Trace("await cancelled", "fiber", fiber, "active", w.active)
	w.disarm()
}

func (w *Watcher) arm() error {
	if w.closed {
		return ErrClosed
	}

	w.gen++
	gen := w.gen
	h, err := w.source.Register(w.pid, func(exit process.Exit) {
		w.complete(gen, exit)
	})
	if err != nil {
		return fmt.Errorf("failed to start child watcher: %w", err)
	}

	w.handle = h
	w.active = true
	w.loop.Ref()
	w.logger.Trace("armed")
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
	w.logger.Trace("disarmed")
}

type targetKind int

const (
	targetNone targetKind = iota
	targetFiber
	targetCallback
)

// target is where a completion is routed.
type target struct {
	kind  targetKind
	fiber reactor.FiberID
	fn    Handler
}

// take resolves the completion target and resets both slots. An awaiting
// fiber wins over a stored handler.
func (w *Watcher) take() target {
	t := target{kind: targetNone}
	switch {
	case w.waiter != 0:
		t = target{kind: targetFiber, fiber: w.waiter}
	case w.callback != nil:
		t = target{kind: targetCallback, fn: w.callback}
	}
	w.waiter = 0
	w.callback = nil
	return t
}

// complete is invoked by the Source when the process exits. The watcher is
// inactive before any user code runs.
func (w *Watcher) complete(gen uint64, exit process.Exit) {
	if !w.active || gen != w.gen {
		w.logger.Trace("drop stale exit", "code", exit.Code)
		return
	}
	w.disarm()

	t := w.take()
	switch t.kind {
	case targetFiber:
		w.logger.Debug("exit resumes fiber", "fiber", t.fiber, "code", exit.Code)
		w.unseen = &exit
		w.loop.Schedule(t.fiber, reactor.Ok(exit))
	case targetCallback:
		w.logger.Debug("exit invokes handler", "code", exit.Code)
		t.fn(exit)
	default:
		w.logger.Trace("exit dropped", "code", exit.Code)
	}
}
