package task

import (
	"sync"
	"time"

	"github.com/shoenig/gyro/pkg/process"
	"oss.indeed.com/go/libtime"
)

// Handle records the lifecycle of one supervised process. It may be read
// from any goroutine.
type Handle struct {
	lock sync.RWMutex

	pid       int
	command   string
	state     State
	started   time.Time
	completed time.Time
	exit      process.Exit
	err       error
	clock     libtime.Clock
}

func NewHandle(pid int, command string, clock libtime.Clock) *Handle {
	return &Handle{
		pid:     pid,
		command: command,
		state:   StateRunning,
		clock:   clock,
		started: clock.Now(),
	}
}

func (h *Handle) Status() *Status {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return &Status{
		PID:         h.pid,
		Command:     h.command,
		State:       h.state,
		StartedAt:   h.started,
		CompletedAt: h.completed,
		Exit:        h.exit,
		Err:         h.err,
	}
}

func (h *Handle) IsRunning() bool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.state == StateRunning
}

// Complete records the exit of the process.
func (h *Handle) Complete(exit process.Exit) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.state = StateExited
	h.exit = exit
	h.completed = h.clock.Now()
}

// Fail records that the process could not be watched to completion.
func (h *Handle) Fail(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.state = StateUnknown
	h.err = err
	h.completed = h.clock.Now()
}
