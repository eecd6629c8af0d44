package resources

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Importance maps easy to use labels to Linux kernel nice-ness values.
//
// highest -> -20
// high    -> -10
// normal  ->   0
// low     ->  10
// lowest  ->  19
type Importance struct {
	Label string
	Nice  int
}

func (s *Importance) String() string {
	return fmt.Sprintf("(%s %d)", s.Label, s.Nice)
}

func ParseImportance(s string) (*Importance, error) {
	label := strings.ToLower(s)
	nice := 0
	switch label {
	case "highest":
		nice = -20
	case "high":
		nice = -10
	case "", "normal":
		label = "normal"
		nice = 0
	case "low":
		nice = 10
	case "lowest":
		nice = 19
	default:
		return nil, fmt.Errorf("importance of %q not recognized", label)
	}
	return &Importance{
		Label: label,
		Nice:  nice,
	}, nil
}

// Apply sets the nice value of pid. Raising importance above normal usually
// requires CAP_SYS_NICE.
func (s *Importance) Apply(pid int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, s.Nice); err != nil {
		return fmt.Errorf("failed to set importance %s of pid %d: %w", s.Label, pid, err)
	}
	return nil
}
