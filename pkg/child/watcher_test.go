package child

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/gyro/pkg/exits"
	"github.com/shoenig/gyro/pkg/process"
	"github.com/shoenig/gyro/pkg/reactor"
	"github.com/shoenig/test/must"
)

var errTimeout = errors.New("timeout")

type scheduled struct {
	fiber reactor.FiberID
	res   reactor.Resumption
}

// fakeLoop runs everything synchronously: Suspend invokes onSuspend and then
// returns the first resumption scheduled for the current fiber.
type fakeLoop struct {
	refs      int
	current   reactor.FiberID
	scheduled []scheduled
	onSuspend func()
}

func (l *fakeLoop) Ref() {
	l.refs++
}

func (l *fakeLoop) Unref() {
	l.refs--
	if l.refs < 0 {
		panic("negative ref count")
	}
}

func (l *fakeLoop) Current() reactor.FiberID {
	return l.current
}

func (l *fakeLoop) Suspend() reactor.Resumption {
	if l.onSuspend != nil {
		l.onSuspend()
	}
	for i, s := range l.scheduled {
		if s.fiber == l.current {
			l.scheduled = append(l.scheduled[:i], l.scheduled[i+1:]...)
			return s.res
		}
	}
	panic("fiber suspended forever")
}

func (l *fakeLoop) Schedule(fiber reactor.FiberID, res reactor.Resumption) {
	l.scheduled = append(l.scheduled, scheduled{fiber: fiber, res: res})
}

// fakeSource records registrations and lets the test deliver exits.
type fakeSource struct {
	pid         int
	err         error
	next        exits.Handle
	live        map[exits.Handle]exits.Handler
	all         []exits.Handler
	registers   int
	unregisters int
}

func newFakeSource(pid int) *fakeSource {
	return &fakeSource{
		pid:  pid,
		live: make(map[exits.Handle]exits.Handler),
	}
}

func (s *fakeSource) Register(pid int, fn exits.Handler) (exits.Handle, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	s.live[s.next] = fn
	s.all = append(s.all, fn)
	s.registers++
	return s.next, nil
}

func (s *fakeSource) Unregister(h exits.Handle) {
	if _, exists := s.live[h]; exists {
		delete(s.live, h)
		s.unregisters++
	}
}

func (s *fakeSource) outstanding() int {
	return len(s.live)
}

// exit delivers to live registrations the way exits.Source does, removing
// each registration before invoking it.
func (s *fakeSource) exit(code int) {
	for h, fn := range s.live {
		delete(s.live, h)
		fn(process.Exit{Pid: s.pid, Code: code})
	}
}

// misfire invokes every handler ever registered, live or not.
func (s *fakeSource) misfire(code int) {
	for _, fn := range s.all {
		fn(process.Exit{Pid: s.pid, Code: code})
	}
}

func setup(pid int) (*Watcher, *fakeLoop, *fakeSource) {
	loop := new(fakeLoop)
	src := newFakeSource(pid)
	return New(pid, loop, src, hclog.NewNullLogger()), loop, src
}

func checkInvariant(t *testing.T, w *Watcher, loop *fakeLoop, src *fakeSource) {
	t.Helper()
	must.True(t, src.outstanding() <= 1)
	must.Eq(t, w.Active(), src.outstanding() == 1)
	must.Eq(t, loop.refs, src.outstanding())
}

func TestWatcher_New(t *testing.T) {
	w, loop, src := setup(4242)
	must.Eq(t, 4242, w.PID())
	must.False(t, w.Active())
	must.Eq(t, 0, src.registers)
	must.Eq(t, 0, loop.refs)
}

func TestWatcher_Start_callback(t *testing.T) {
	w, loop, src := setup(4242)

	var got []process.Exit
	same, err := w.Start(func(exit process.Exit) {
		must.False(t, w.Active())
		got = append(got, exit)
	})
	must.NoError(t, err)
	must.True(t, w == same)
	must.True(t, w.Active())
	must.Eq(t, 1, loop.refs)
	checkInvariant(t, w, loop, src)

	src.exit(0)
	must.Len(t, 1, got)
	must.Eq(t, 0, got[0].Code)
	must.Eq(t, 4242, got[0].Pid)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Start_idempotent(t *testing.T) {
	w, loop, src := setup(10)

	first, second := 0, 0
	_, err := w.Start(func(process.Exit) { first++ })
	must.NoError(t, err)
	_, err = w.Start(func(process.Exit) { second++ })
	must.NoError(t, err)

	must.Eq(t, 1, src.registers)
	must.Eq(t, 1, loop.refs)
	checkInvariant(t, w, loop, src)

	src.exit(1)
	must.Eq(t, 0, first)
	must.Eq(t, 1, second)
}

func TestWatcher_exactlyOnce(t *testing.T) {
	w, loop, src := setup(10)

	calls := 0
	_, err := w.Start(func(process.Exit) { calls++ })
	must.NoError(t, err)

	src.exit(0)
	src.misfire(0)
	src.misfire(0)

	must.Eq(t, 1, calls)
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Stop(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		w, loop, src := setup(10)
		must.True(t, w == w.Stop())
		must.Eq(t, 0, loop.refs)
		must.Eq(t, 0, src.unregisters)
	})

	t.Run("twice", func(t *testing.T) {
		w, loop, src := setup(10)
		_, err := w.Start(nil)
		must.NoError(t, err)

		w.Stop()
		checkInvariant(t, w, loop, src)
		w.Stop()
		checkInvariant(t, w, loop, src)

		must.Eq(t, 1, src.registers)
		must.Eq(t, 1, src.unregisters)
		must.Eq(t, 0, loop.refs)
	})

	t.Run("no delivery after stop", func(t *testing.T) {
		w, loop, src := setup(10)
		calls := 0
		_, err := w.Start(func(process.Exit) { calls++ })
		must.NoError(t, err)

		w.Stop()
		src.misfire(0)
		must.Eq(t, 0, calls)
		must.Eq(t, 0, loop.refs)
	})
}

func TestWatcher_Stop_keepsHandler(t *testing.T) {
	w, loop, src := setup(10)

	calls := 0
	_, err := w.Start(func(process.Exit) { calls++ })
	must.NoError(t, err)
	w.Stop()

	_, err = w.Start(nil)
	must.NoError(t, err)
	must.Eq(t, 2, src.registers)
	checkInvariant(t, w, loop, src)

	src.exit(0)
	must.Eq(t, 1, calls)
}

func TestWatcher_Start_registrationError(t *testing.T) {
	w, loop, src := setup(10)
	src.err = exits.ErrNotChild

	_, err := w.Start(func(process.Exit) {})
	must.ErrorIs(t, err, exits.ErrNotChild)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Await_status(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		must.True(t, w.Active())
		must.Eq(t, 1, loop.refs)
		src.exit(137)
	}

	exit, err := w.Await()
	must.NoError(t, err)
	must.Eq(t, 137, exit.Code)
	must.Eq(t, 99, exit.Pid)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Await_cancelled(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		loop.Schedule(7, reactor.Fail(errTimeout))
	}

	_, err := w.Await()
	must.ErrorIs(t, err, errTimeout)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	must.Eq(t, 1, src.unregisters)
	checkInvariant(t, w, loop, src)

	// a stray exit afterwards resumes nobody
	src.misfire(0)
	must.Len(t, 0, loop.scheduled)
}

func TestWatcher_Await_precedence(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7

	calls := 0
	loop.onSuspend = func() {
		_, err := w.Start(func(process.Exit) { calls++ })
		must.NoError(t, err)
		must.Eq(t, 1, src.registers)
		src.exit(15)
	}

	exit, err := w.Await()
	must.NoError(t, err)
	must.Eq(t, 15, exit.Code)
	must.Eq(t, 0, calls)
	must.Eq(t, 0, loop.refs)
}

func TestWatcher_Await_afterStart(t *testing.T) {
	w, loop, src := setup(99)
	_, err := w.Start(nil)
	must.NoError(t, err)

	loop.current = 7
	loop.onSuspend = func() {
		must.Eq(t, 1, src.registers)
		must.Eq(t, 1, loop.refs)
		src.exit(2)
	}

	exit, err := w.Await()
	must.NoError(t, err)
	must.Eq(t, 2, exit.Code)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Await_notInFiber(t *testing.T) {
	w, loop, src := setup(99)

	_, err := w.Await()
	must.ErrorIs(t, err, reactor.ErrNotInFiber)
	must.Eq(t, 0, src.registers)
	must.Eq(t, 0, loop.refs)
}

func TestWatcher_Await_otherFiber(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		loop.current = 8
		_, err := w.Await()
		must.ErrorIs(t, err, ErrAwaiting)
		loop.current = 7
		src.exit(0)
	}

	_, err := w.Await()
	must.NoError(t, err)
	must.Eq(t, 1, src.registers)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Await_registrationError(t *testing.T) {
	w, loop, src := setup(99)
	src.err = exits.ErrInvalidPID
	loop.current = 7

	_, err := w.Await()
	must.ErrorIs(t, err, exits.ErrInvalidPID)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
}

func TestWatcher_Await_unseenExit(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		// cancellation is queued ahead of the exit
		loop.Schedule(7, reactor.Fail(errTimeout))
		src.exit(3)
	}

	_, err := w.Await()
	must.ErrorIs(t, err, errTimeout)
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)

	loop.onSuspend = nil
	exit, err := w.Await()
	must.NoError(t, err)
	must.Eq(t, 3, exit.Code)
	must.Eq(t, 1, src.registers)
}

func TestWatcher_Await_unexpectedValue(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		loop.Schedule(7, reactor.Ok(42))
	}

	_, err := w.Await()
	must.ErrorIs(t, err, ErrUnexpectedValue)
	must.EqError(t, err, "child watcher resumed with unexpected value: int")
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	must.Eq(t, 1, src.unregisters)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_Close(t *testing.T) {
	w, loop, src := setup(99)
	_, err := w.Start(nil)
	must.NoError(t, err)

	must.NoError(t, w.Close())
	must.NoError(t, w.Close())
	must.False(t, w.Active())
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)

	_, err = w.Start(nil)
	must.ErrorIs(t, err, ErrClosed)
	must.Eq(t, 0, loop.refs)
}

func TestWatcher_Close_awaiting(t *testing.T) {
	w, loop, src := setup(99)
	loop.current = 7
	loop.onSuspend = func() {
		must.NoError(t, w.Close())
	}

	_, err := w.Await()
	must.ErrorIs(t, err, ErrClosed)
	must.Eq(t, 0, loop.refs)
	checkInvariant(t, w, loop, src)
}

func TestWatcher_reactor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := reactor.New(hclog.NewNullLogger())
	src := newFakeSource(99)
	w := New(99, r, src, hclog.NewNullLogger())

	var exit process.Exit
	waiter := r.Spawn("waiter", func() error {
		var err error
		exit, err = w.Await()
		return err
	})
	refs := -1
	r.Spawn("reaper", func() error {
		refs = r.Refs()
		src.exit(15)
		return nil
	})

	must.NoError(t, r.Run(ctx))
	must.True(t, waiter.Done())
	must.NoError(t, waiter.Err())
	must.Eq(t, 1, refs)
	must.Eq(t, 15, exit.Code)
	must.Eq(t, 0, r.Refs())
	must.False(t, w.Active())
}

func TestWatcher_reactor_raise(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := reactor.New(hclog.NewNullLogger())
	src := newFakeSource(99)
	w := New(99, r, src, hclog.NewNullLogger())

	waiter := r.Spawn("waiter", func() error {
		_, err := w.Await()
		return err
	})
	r.Spawn("canceller", func() error {
		r.Raise(waiter.ID(), errTimeout)
		return nil
	})

	must.NoError(t, r.Run(ctx))
	must.True(t, waiter.Done())
	must.ErrorIs(t, waiter.Err(), errTimeout)
	must.Eq(t, 0, r.Refs())
	must.Eq(t, 0, src.outstanding())
}

// lingeringSource delays Unregister, so the process can be reaped while a
// cancelled watcher is still tearing down its registration.
type lingeringSource struct {
	*exits.Source
	delay time.Duration
}

func (s *lingeringSource) Unregister(h exits.Handle) {
	time.Sleep(s.delay)
	s.Source.Unregister(h)
}

func TestWatcher_reactor_reapedWhileCancelling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := reactor.New(hclog.NewNullLogger())
	src := exits.NewSource(r, hclog.NewNullLogger())
	defer func() { _ = src.Close() }()

	pid, err := process.Start(&process.Command{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 0.1; exit 5"},
	})
	must.NoError(t, err)

	w := New(pid, r, &lingeringSource{Source: src, delay: 500 * time.Millisecond}, hclog.NewNullLogger())

	var first, second error
	var exit process.Exit
	waiter := r.Spawn("waiter", func() error {
		_, first = w.Await()
		exit, second = w.Await()
		return nil
	})
	r.Spawn("canceller", func() error {
		r.Raise(waiter.ID(), errTimeout)
		return nil
	})

	must.NoError(t, r.Run(ctx))
	must.ErrorIs(t, first, errTimeout)
	must.NoError(t, second)
	must.Eq(t, process.Exit{Pid: pid, Code: 5}, exit)
	must.False(t, w.Active())
	must.Eq(t, 0, r.Refs())
	must.Eq(t, 0, src.Watching())
}
