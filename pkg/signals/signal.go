package signals

import (
	"fmt"
	"strings"
	"syscall"
)

var known = map[string]syscall.Signal{
	"sighup":  syscall.SIGHUP,
	"sigint":  syscall.SIGINT,
	"sigquit": syscall.SIGQUIT,
	"sigabrt": syscall.SIGABRT,
	"sigkill": syscall.SIGKILL,
	"sigusr1": syscall.SIGUSR1,
	"sigusr2": syscall.SIGUSR2,
	"sigterm": syscall.SIGTERM,
}

// Parse maps a signal name such as "SIGTERM" or "term" to its signal.
func Parse(s string) (syscall.Signal, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "sig") {
		name = "sig" + name
	}
	sig, exists := known[name]
	if !exists {
		return 0, fmt.Errorf("signal %q not recognized", s)
	}
	return sig, nil
}
