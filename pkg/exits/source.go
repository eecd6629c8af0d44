// Package exits delivers exit notifications for child processes.
//
// A Source reaps only the pids it has been asked to watch, so it can share a
// process with other code that waits on its own children.
package exits

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set"
	"github.com/shoenig/gyro/pkg/process"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidPID is returned when registering a pid that cannot name a
	// single process.
	ErrInvalidPID = errors.New("invalid pid")

	// ErrNotChild is returned when registering a pid that is not an
	// unreaped child of this process.
	ErrNotChild = errors.New("not a child process")

	// ErrClosed is returned when registering with a closed Source.
	ErrClosed = errors.New("exit source is closed")
)

// Handle identifies one registration. The zero Handle is never issued.
type Handle uint64

// Handler receives the exit of a watched process.
type Handler func(process.Exit)

// Poster runs callbacks on the reactor's cooperative thread.
type Poster interface {
	Post(func())
}

type registration struct {
	pid int
	fn  Handler
}

// reaped is the exit of a pid that was waited on but may still be owed to a
// registration. A registration removed before its delivery ran leaves a
// claim behind, which the next Register of the same pid takes.
type reaped struct {
	exit     process.Exit
	inflight int
	claims   int
}

// Source watches child processes for termination. It listens for SIGCHLD
// and reaps watched pids with a non-blocking wait4; handlers are always
// invoked through the Poster.
type Source struct {
	poster Poster
	logger hclog.Logger

	lock   sync.Mutex
	next   Handle
	regs   map[Handle]*registration
	byPID  map[int]*set.Set[Handle]
	exited map[int]*reaped
	closed bool

	// reapLock serializes wait4 calls between Register and the signal loop
	reapLock sync.Mutex

	sigs chan os.Signal
	done chan struct{}
	once sync.Once
}

// NewSource creates a Source and starts listening for SIGCHLD.
func NewSource(poster Poster, logger hclog.Logger) *Source {
	s := &Source{
		poster: poster,
		logger: logger.Named("exits"),
		regs:   make(map[Handle]*registration),
		byPID:  make(map[int]*set.Set[Handle]),
		exited: make(map[int]*reaped),
		sigs:   make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
	signal.Notify(s.sigs, unix.SIGCHLD)
	go s.loop()
	return s
}

// Register arranges for fn to be invoked once, through the Poster, when pid
// exits. A pid that already exited is reported right away, whether it is
// still a zombie or was reaped for a registration that went away before
// its exit was delivered.
func (s *Source) Register(pid int, fn Handler) (Handle, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("failed to watch pid %d: %w", pid, ErrInvalidPID)
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return 0, fmt.Errorf("failed to watch pid %d: %w", pid, ErrClosed)
	}
	s.next++
	h := s.next
	s.regs[h] = &registration{pid: pid, fn: fn}

	if r, exists := s.exited[pid]; exists {
		r.inflight++
		if r.claims > 0 {
			r.claims--
		}
		s.lock.Unlock()

		s.logger.Trace("registered reaped pid", "pid", pid, "handle", h)
		s.poster.Post(func() { s.deliver(h, r.exit) })
		return h, nil
	}

	handles, exists := s.byPID[pid]
	if !exists {
		handles = set.New[Handle](1)
		s.byPID[pid] = handles
	}
	handles.Insert(h)
	s.lock.Unlock()

	// catch processes that exited before we started watching, and reject
	// pids that are not ours to wait on
	if _, err := s.reap(pid); err != nil {
		if errors.Is(err, unix.ECHILD) && s.pending(h) {
			// the signal loop reaped it first and owes us the exit
			s.logger.Trace("registered", "pid", pid, "handle", h)
			return h, nil
		}
		s.Unregister(h)
		if errors.Is(err, unix.ECHILD) {
			return 0, fmt.Errorf("failed to watch pid %d: %w", pid, ErrNotChild)
		}
		return 0, fmt.Errorf("failed to watch pid %d: %w", pid, err)
	}

	s.logger.Trace("registered", "pid", pid, "handle", h)
	return h, nil
}

// Unregister cancels the registration h. Unregistering a handle that was
// already delivered or unregistered is a no-op.
func (s *Source) Unregister(h Handle) {
	s.lock.Lock()
	defer s.lock.Unlock()

	reg := s.remove(h)
	if reg == nil {
		return
	}
	// the pid is gone; keep its exit for whoever registers next
	if r, exists := s.exited[reg.pid]; exists {
		r.claims++
	}
}

// remove must be called while holding lock.
func (s *Source) remove(h Handle) *registration {
	reg, exists := s.regs[h]
	if !exists {
		return nil
	}
	delete(s.regs, h)
	if handles, ok := s.byPID[reg.pid]; ok {
		handles.Remove(h)
		if handles.Size() == 0 {
			delete(s.byPID, reg.pid)
		}
	}
	return reg
}

// pending reports whether h is still registered for a pid that was reaped.
func (s *Source) pending(h Handle) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	reg, exists := s.regs[h]
	if !exists {
		return false
	}
	_, reaped := s.exited[reg.pid]
	return reaped
}

// Watching returns the number of outstanding registrations.
func (s *Source) Watching() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.regs)
}

// Close stops listening for SIGCHLD. Outstanding registrations are never
// delivered.
func (s *Source) Close() error {
	s.once.Do(func() {
		signal.Stop(s.sigs)
		close(s.done)

		s.lock.Lock()
		s.closed = true
		s.lock.Unlock()
	})
	return nil
}

func (s *Source) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.sigs:
			s.reapAll()
		}
	}
}

func (s *Source) reapAll() {
	s.lock.Lock()
	pids := make([]int, 0, len(s.byPID))
	for pid := range s.byPID {
		pids = append(pids, pid)
	}
	s.lock.Unlock()

	for _, pid := range pids {
		if _, err := s.reap(pid); err != nil {
			// somebody else reaped it; the exit is lost to us
			s.logger.Warn("failed to reap watched process", "pid", pid, "error", err)
		}
	}
}

// reap collects the exit status of pid if it has terminated, and reports
// whether it did.
func (s *Source) reap(pid int) (bool, error) {
	s.reapLock.Lock()
	defer s.reapLock.Unlock()

	for {
		var status unix.WaitStatus
		got, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return false, err
		case got == 0:
			// still running
			return false, nil
		}
		s.collect(process.FromWaitStatus(pid, status))
		return true, nil
	}
}

// collect hands the exit to every registration watching its pid.
func (s *Source) collect(exit process.Exit) {
	s.lock.Lock()
	var handles []Handle
	if watchers, exists := s.byPID[exit.Pid]; exists {
		handles = watchers.List()
		delete(s.byPID, exit.Pid)
	}
	r := &reaped{exit: exit, inflight: len(handles)}
	if len(handles) == 0 {
		// every registration was removed while we were waiting on the pid
		r.claims = 1
	}
	s.exited[exit.Pid] = r
	s.lock.Unlock()

	s.logger.Debug("process exited", "pid", exit.Pid, "code", exit.Code, "signal", exit.Signal, "watchers", len(handles))
	for _, h := range handles {
		h := h
		s.poster.Post(func() { s.deliver(h, exit) })
	}
}

// deliver runs on the cooperative thread, so a registration removed after
// the process was reaped but before delivery is never invoked. Its exit
// stays claimable through Register instead.
func (s *Source) deliver(h Handle, exit process.Exit) {
	s.lock.Lock()
	reg := s.remove(h)
	if r, exists := s.exited[exit.Pid]; exists {
		r.inflight--
		if r.inflight <= 0 && r.claims == 0 {
			delete(s.exited, exit.Pid)
		}
	}
	s.lock.Unlock()

	if reg == nil {
		s.logger.Trace("drop exit for cancelled registration", "pid", exit.Pid, "handle", h)
		return
	}
	reg.fn(exit)
}
