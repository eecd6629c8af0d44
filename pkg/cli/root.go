package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/gyro/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ExitError carries the exit code of the supervised command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Execute runs the root command and returns the code the program should
// exit with.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	var exitErr *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           Name,
		Short:         "Run a command and wait for it on a fiber reactor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Name, Version)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command, stopping it if it outlives its timeout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			logger := hclog.New(&hclog.LoggerOptions{
				Name:   Name,
				Level:  hclog.LevelFromString(cfg.LogLevel),
				Output: os.Stderr,
			})

			code, err := supervise(cmd.Context(), cfg, logger, args)
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "Path to a TOML configuration file")
	flags.Duration("timeout", 0, "Stop the command after this long (0 waits forever)")
	flags.String("stop-signal", "", "Signal sent to the command when the timeout expires")
	flags.Duration("kill-timeout", 0, "Time between the stop signal and SIGKILL (0 kills right away)")
	flags.String("importance", "", "Scheduling importance: highest, high, normal, low, lowest")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	return cmd
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.Timeout = config.Duration(d)
	}
	if flags.Changed("kill-timeout") {
		d, _ := flags.GetDuration("kill-timeout")
		cfg.KillTimeout = config.Duration(d)
	}
	if flags.Changed("stop-signal") {
		cfg.StopSignal, _ = flags.GetString("stop-signal")
	}
	if flags.Changed("importance") {
		cfg.Importance, _ = flags.GetString("importance")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
