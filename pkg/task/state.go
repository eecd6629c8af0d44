package task

import (
	"time"

	"github.com/shoenig/gyro/pkg/process"
)

// State of a supervised process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateUnknown State = "unknown"
)

// Status is a snapshot of a Handle.
type Status struct {
	PID         int
	Command     string
	State       State
	StartedAt   time.Time
	CompletedAt time.Time
	Exit        process.Exit
	Err         error
}

// Elapsed returns how long the process ran, or zero while it is running.
func (s *Status) Elapsed() time.Duration {
	if s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}
