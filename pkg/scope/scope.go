// Package scope bounds the time a fiber may spend in a block of code.
package scope

import (
	"errors"
	"fmt"
	"time"

	"github.com/shoenig/gyro/pkg/reactor"
	"github.com/shoenig/gyro/pkg/timer"
)

// ErrTimeout matches every *Timeout with errors.Is.
var ErrTimeout = errors.New("timeout")

// Timeout is raised into a fiber whose scope expired.
type Timeout struct {
	After time.Duration
}

func (t *Timeout) Error() string {
	return fmt.Sprintf("timed out after %s", t.After)
}

func (t *Timeout) Is(target error) bool {
	return target == ErrTimeout
}

// Scope creates timers on behalf of fibers.
type Scope struct {
	loop   reactor.Loop
	timers timer.Source
}

// New creates a Scope.
func New(loop reactor.Loop, timers timer.Source) *Scope {
	return &Scope{
		loop:   loop,
		timers: timers,
	}
}

// Sleep suspends the calling fiber for d.
func (s *Scope) Sleep(d time.Duration) error {
	t := timer.New(d, 0, s.loop, s.timers)
	defer func() { _ = t.Close() }()
	return t.Await()
}

// CancelAfter runs fn in the calling fiber. If fn is still running after d,
// the fiber is resumed with a *Timeout at its current suspension point, and
// whatever fn returns is returned. A non-positive d means no deadline.
func (s *Scope) CancelAfter(d time.Duration, fn func() error) error {
	_, err := s.run(d, fn)
	return err
}

// MoveOnAfter is like CancelAfter, except that the expiry of this scope is
// not an error. Timeouts of enclosed scopes still propagate.
func (s *Scope) MoveOnAfter(d time.Duration, fn func() error) error {
	timeout, err := s.run(d, fn)
	if timeout != nil && errors.Is(err, timeout) {
		return nil
	}
	return err
}

func (s *Scope) run(d time.Duration, fn func() error) (*Timeout, error) {
	if d <= 0 {
		return nil, fn()
	}

	fiber := s.loop.Current()
	if fiber == 0 {
		return nil, reactor.ErrNotInFiber
	}

	timeout := &Timeout{After: d}
	t, err := timer.New(d, 0, s.loop, s.timers).Start(func() {
		s.loop.Schedule(fiber, reactor.Fail(timeout))
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.Close() }()

	return timeout, fn()
}
