package reactor

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

// Loop is the view of a Reactor that watchers depend on.
type Loop interface {
	// Ref marks one more watcher as active.
	Ref()

	// Unref marks one active watcher as no longer active.
	Unref()

	// Current returns the fiber currently executing, or zero.
	Current() FiberID

	// Suspend parks the current fiber until it is scheduled again.
	Suspend() Resumption

	// Schedule makes fiber runnable, to be resumed with r.
	Schedule(fiber FiberID, r Resumption)
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithRegisterer registers the reactor metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Reactor) {
		r.registerer = reg
	}
}

// Reactor is a single threaded run loop that multiplexes fibers and
// watcher callbacks.
//
// Every method except Post must be called from the cooperative thread: the
// goroutine calling Run, a fiber, or a callback invoked by the loop. Before
// Run is called, the goroutine that will call Run counts as the cooperative
// thread.
type Reactor struct {
	logger     hclog.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	refs    int
	nextID  FiberID
	fibers  map[FiberID]*Fiber
	runq    []*Fiber
	current *Fiber
	yield   chan struct{}

	// posted callbacks may come from any goroutine
	lock   sync.Mutex
	posted []func()
	wakeup chan struct{}
}

// New creates a Reactor with no active watchers and no fibers.
func New(logger hclog.Logger, opts ...Option) *Reactor {
	r := &Reactor{
		logger: logger.Named("reactor"),
		fibers: make(map[FiberID]*Fiber),
		yield:  make(chan struct{}),
		wakeup: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newMetrics(r.registerer)
	return r
}

// Ref marks one more watcher as active. The loop keeps running while any
// watcher is active.
func (r *Reactor) Ref() {
	r.refs++
	r.metrics.watchers.Set(float64(r.refs))
}

// Unref marks one active watcher as no longer active.
func (r *Reactor) Unref() {
	r.refs--
	if r.refs < 0 {
		panic("reactor: negative watcher ref count")
	}
	r.metrics.watchers.Set(float64(r.refs))
}

// Refs returns the number of active watchers.
func (r *Reactor) Refs() int {
	return r.refs
}

// Post queues fn to be executed on the cooperative thread. Post is safe to
// call from any goroutine and never blocks.
func (r *Reactor) Post(fn func()) {
	r.lock.Lock()
	r.posted = append(r.posted, fn)
	r.lock.Unlock()

	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// Spawn creates a fiber running fn and schedules it. The fiber starts
// executing once the loop gets to it.
func (r *Reactor) Spawn(name string, fn func() error) *Fiber {
	r.nextID++
	f := &Fiber{
		id:   r.nextID,
		name: name,
		fn:   fn,
		wake: make(chan Resumption),
	}
	r.fibers[f.id] = f
	r.metrics.fibers.Inc()

	go r.enter(f)

	r.logger.Trace("spawn fiber", "id", f.id, "name", name)
	r.Schedule(f.id, Ok(nil))
	return f
}

func (r *Reactor) enter(f *Fiber) {
	<-f.wake
	err := f.fn()

	// still holding the baton
	f.state = fiberDone
	f.err = err
	delete(r.fibers, f.id)
	r.metrics.fibers.Dec()
	if err != nil {
		r.logger.Error("fiber returned error", "id", f.id, "name", f.name, "error", err)
	} else {
		r.logger.Trace("fiber returned", "id", f.id, "name", f.name)
	}
	r.yield <- struct{}{}
}

// Current returns the fiber currently executing, or zero if called from
// the loop itself.
func (r *Reactor) Current() FiberID {
	if r.current == nil {
		return 0
	}
	return r.current.id
}

// Suspend parks the current fiber and hands control back to the loop. It
// returns whatever the fiber is next scheduled with. Outside of a fiber,
// Suspend returns a Resumption failed with ErrNotInFiber.
func (r *Reactor) Suspend() Resumption {
	f := r.current
	if f == nil {
		return Fail(ErrNotInFiber)
	}
	f.state = fiberSuspended
	r.yield <- struct{}{}
	return <-f.wake
}

// Schedule makes fiber runnable, to be resumed with res. Scheduling a fiber
// that already waits in the run queue keeps the first resumption and drops
// res; scheduling a fiber that has returned is a no-op.
func (r *Reactor) Schedule(fiber FiberID, res Resumption) {
	f, exists := r.fibers[fiber]
	if !exists {
		r.logger.Trace("drop resumption for unknown fiber", "id", fiber)
		return
	}
	if f.scheduled {
		r.logger.Debug("drop resumption for already scheduled fiber", "id", fiber, "error", res.Err)
		return
	}
	f.scheduled = true
	f.pending = res
	r.runq = append(r.runq, f)
}

// Raise schedules fiber to be resumed with err.
func (r *Reactor) Raise(fiber FiberID, err error) {
	r.Schedule(fiber, Fail(err))
}

// Yield lets every other runnable fiber run before the current fiber
// continues. A non-nil error means the fiber was raised into meanwhile.
func (r *Reactor) Yield() error {
	if r.current == nil {
		return ErrNotInFiber
	}
	r.Schedule(r.current.id, Ok(nil))
	return r.Suspend().Err
}

// Run executes the loop until no watcher is active and nothing is runnable,
// or until ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		r.drain()

		if f := r.next(); f != nil {
			r.resume(f)
			continue
		}

		if r.refs == 0 && !r.hasPosted() {
			r.logger.Trace("no active watchers, exiting loop")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wakeup:
		}
	}
}

func (r *Reactor) hasPosted() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.posted) > 0
}

// drain executes posted callbacks, including any posted while draining.
func (r *Reactor) drain() {
	for {
		r.lock.Lock()
		batch := r.posted
		r.posted = nil
		r.lock.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (r *Reactor) next() *Fiber {
	for len(r.runq) > 0 {
		f := r.runq[0]
		r.runq[0] = nil
		r.runq = r.runq[1:]
		f.scheduled = false
		if f.state != fiberDone {
			return f
		}
	}
	return nil
}

func (r *Reactor) resume(f *Fiber) {
	res := f.pending
	f.pending = Resumption{}
	r.metrics.resumption(res)

	r.current = f
	f.state = fiberRunning
	f.wake <- res
	<-r.yield
	r.current = nil
}
