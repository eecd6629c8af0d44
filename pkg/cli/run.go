package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shoenig/gyro/pkg/child"
	"github.com/shoenig/gyro/pkg/config"
	"github.com/shoenig/gyro/pkg/exits"
	"github.com/shoenig/gyro/pkg/process"
	"github.com/shoenig/gyro/pkg/reactor"
	"github.com/shoenig/gyro/pkg/resources"
	"github.com/shoenig/gyro/pkg/scope"
	"github.com/shoenig/gyro/pkg/signals"
	"github.com/shoenig/gyro/pkg/task"
	"github.com/shoenig/gyro/pkg/timer"
	"oss.indeed.com/go/libtime"
)

// supervise runs argv, waits for it on a fiber, and stops it if it outlives
// the configured timeout. It returns the exit code of the command.
func supervise(ctx context.Context, cfg *config.Config, logger hclog.Logger, argv []string) (int, error) {
	stopSignal, err := signals.Parse(cfg.StopSignal)
	if err != nil {
		return -1, err
	}
	importance, err := resources.ParseImportance(cfg.Importance)
	if err != nil {
		return -1, err
	}

	loop := reactor.New(logger, reactor.WithRegisterer(prometheus.NewRegistry()))
	source := exits.NewSource(loop, logger)
	defer func() { _ = source.Close() }()
	clock := timer.NewClock(loop)
	defer func() { _ = clock.Close() }()

	pid, err := process.Start(&process.Command{
		Path: argv[0],
		Args: argv[1:],
		Env:  os.Environ(),
		Out:  os.Stdout,
		Err:  os.Stderr,
	})
	if err != nil {
		return -1, err
	}

	handle := task.NewHandle(pid, strings.Join(argv, " "), libtime.SystemClock())
	logger.Debug("started command", "pid", pid, "command", argv[0], "importance", importance)

	if importance.Nice != 0 {
		if err = importance.Apply(pid); err != nil {
			logger.Warn("failed to apply importance", "pid", pid, "error", err)
		}
	}

	w := child.New(pid, loop, source, logger)
	defer func() { _ = w.Close() }()

	s := scope.New(loop, clock)
	loop.Spawn("supervise", func() error {
		exit, err := wait(s, w, time.Duration(cfg.Timeout))
		if errors.Is(err, scope.ErrTimeout) {
			logger.Warn("command timed out, stopping", "pid", pid, "signal", cfg.StopSignal)
			if err = process.Signal(pid, stopSignal); err != nil {
				logger.Error("failed to send stop signal", "pid", pid, "error", err)
			}
			// no grace period means kill right away
			if grace := time.Duration(cfg.KillTimeout); grace > 0 {
				exit, err = wait(s, w, grace)
			}
		}
		if errors.Is(err, scope.ErrTimeout) {
			logger.Warn("command did not stop, killing", "pid", pid)
			if err = process.Signal(pid, syscall.SIGKILL); err != nil {
				logger.Error("failed to send kill signal", "pid", pid, "error", err)
			}
			exit, err = w.Await()
		}
		if err != nil {
			handle.Fail(err)
			return err
		}
		handle.Complete(exit)
		return nil
	})

	if err = loop.Run(ctx); err != nil {
		_ = process.Signal(pid, syscall.SIGKILL)
		return -1, fmt.Errorf("reactor stopped before command completed: %w", err)
	}

	status := handle.Status()
	switch {
	case handle.IsRunning():
		return -1, errors.New("reactor stopped before command completed")
	case status.Err != nil:
		return -1, status.Err
	}

	logger.Info("command exited", "pid", pid, "code", status.Exit.Code, "signal", status.Exit.Signal, "elapsed", status.Elapsed())
	return status.Exit.Code, nil
}

// wait awaits the exit of w for at most d.
func wait(s *scope.Scope, w *child.Watcher, d time.Duration) (process.Exit, error) {
	var exit process.Exit
	err := s.CancelAfter(d, func() error {
		var err error
		exit, err = w.Await()
		return err
	})
	return exit, err
}
