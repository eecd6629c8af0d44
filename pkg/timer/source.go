package timer

import (
	"sync"
	"time"

	"oss.indeed.com/go/libtime"
)

// Handle identifies one timer registration. The zero Handle is never issued.
type Handle uint64

// Poster runs callbacks on the reactor's cooperative thread.
type Poster interface {
	Post(func())
}

// Source arms timers.
type Source interface {
	// Register invokes fn after the given delay, and then every interval if
	// interval is positive, until unregistered.
	Register(after, every time.Duration, fn func()) Handle

	// Unregister cancels h. It is a no-op for unknown handles.
	Unregister(h Handle)
}

type registration struct {
	every time.Duration
	fn    func()
	stop  chan struct{}
}

// Clock is a Source backed by real timers. Each registration runs a
// goroutine that posts expirations to the reactor.
type Clock struct {
	poster Poster

	lock sync.Mutex
	next Handle
	regs map[Handle]*registration
}

// NewClock creates a Clock posting expirations through poster.
func NewClock(poster Poster) *Clock {
	return &Clock{
		poster: poster,
		regs:   make(map[Handle]*registration),
	}
}

func (c *Clock) Register(after, every time.Duration, fn func()) Handle {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.next++
	h := c.next
	reg := &registration{
		every: every,
		fn:    fn,
		stop:  make(chan struct{}),
	}
	c.regs[h] = reg
	go c.run(h, after, reg)
	return h
}

func (c *Clock) Unregister(h Handle) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if reg, exists := c.regs[h]; exists {
		delete(c.regs, h)
		close(reg.stop)
	}
}

// Close cancels every outstanding timer.
func (c *Clock) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	for h, reg := range c.regs {
		delete(c.regs, h)
		close(reg.stop)
	}
	return nil
}

func (c *Clock) run(h Handle, after time.Duration, reg *registration) {
	t, cancel := libtime.SafeTimer(after)
	defer cancel()

	for {
		select {
		case <-reg.stop:
			return
		case <-t.C:
			c.poster.Post(func() { c.fire(h) })
			if reg.every <= 0 {
				return
			}
			t.Reset(reg.every)
		}
	}
}

// fire runs on the cooperative thread.
func (c *Clock) fire(h Handle) {
	c.lock.Lock()
	reg, exists := c.regs[h]
	if exists && reg.every <= 0 {
		delete(c.regs, h)
	}
	c.lock.Unlock()

	if exists {
		reg.fn()
	}
}
