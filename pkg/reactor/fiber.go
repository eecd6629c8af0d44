package reactor

import (
	"errors"
	"fmt"
)

// ErrNotInFiber is returned by operations that must suspend the calling
// fiber when they are invoked from outside of any fiber.
var ErrNotInFiber = errors.New("not called from within a fiber")

// FiberID identifies a fiber. The zero value means "no fiber".
type FiberID uint64

func (id FiberID) String() string {
	return fmt.Sprintf("fiber-%d", uint64(id))
}

// Resumption is the value a suspended fiber is resumed with. Exactly one
// of Value or Err is meaningful: a non-nil Err means the fiber is being
// resumed in order to be cancelled.
type Resumption struct {
	Value any
	Err   error
}

// Ok creates a Resumption carrying v.
func Ok(v any) Resumption {
	return Resumption{Value: v}
}

// Fail creates a Resumption carrying err.
func Fail(err error) Resumption {
	return Resumption{Err: err}
}

type fiberState int

const (
	fiberCreated fiberState = iota
	fiberRunning
	fiberSuspended
	fiberDone
)

// Fiber is a cooperatively scheduled logical thread. Each fiber is backed
// by a goroutine, but only the fiber currently holding the reactor's baton
// ever executes.
type Fiber struct {
	id   FiberID
	name string
	fn   func() error

	wake  chan Resumption
	state fiberState

	// scheduled is set while the fiber sits in the run queue, pending holds
	// the value it will be resumed with
	scheduled bool
	pending   Resumption

	err error
}

// ID returns the identifier of f.
func (f *Fiber) ID() FiberID {
	return f.id
}

// Name returns the name f was spawned with.
func (f *Fiber) Name() string {
	return f.name
}

// Done reports whether the function of f has returned.
func (f *Fiber) Done() bool {
	return f.state == fiberDone
}

// Err returns the error the function of f returned.
//
// Must be called after Done reports true.
func (f *Fiber) Err() error {
	return f.err
}
