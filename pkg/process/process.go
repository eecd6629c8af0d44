package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Exit describes how a child process terminated.
type Exit struct {
	Pid    int
	Code   int
	Signal int
}

// Signaled reports whether the process was terminated by a signal.
func (e Exit) Signaled() bool {
	return e.Signal != 0
}

func (e Exit) String() string {
	if e.Signaled() {
		return fmt.Sprintf("(pid %d, code %d, signal %d)", e.Pid, e.Code, e.Signal)
	}
	return fmt.Sprintf("(pid %d, code %d)", e.Pid, e.Code)
}

// FromWaitStatus decodes the wait status of a terminated process. A process
// killed by a signal is reported with the shell convention of 128 plus the
// signal number as its exit code.
func FromWaitStatus(pid int, status unix.WaitStatus) Exit {
	exit := Exit{
		Pid:  pid,
		Code: status.ExitStatus(),
	}
	if status.Signaled() {
		exit.Signal = int(status.Signal())
		exit.Code = 128 + exit.Signal
	}
	return exit
}

// Command describes a process to launch.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Out and Err are handed to the process directly; nothing copies from
	// them, so they must be files.
	Out *os.File
	Err *os.File
}

// Start launches c in its own process group and returns its pid.
//
// The process is not waited on; it remains a child of this process until
// something reaps it, typically an exits.Source.
func Start(c *Command) (int, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	if c.Out != nil {
		cmd.Stdout = c.Out
	}
	if c.Err != nil {
		cmd.Stderr = c.Err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // ignore signals sent to our own group
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start command: %w", err)
	}

	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Signal sends sig to the process group led by pid.
func Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}
