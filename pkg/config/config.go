package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/gyro/pkg/resources"
	"github.com/shoenig/gyro/pkg/signals"
)

// Duration is a time.Duration written as a string such as "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the supervision settings, read from an optional TOML
// file and overridden by command line flags.
type Config struct {
	// Timeout bounds how long the command may run; zero means forever.
	Timeout Duration `toml:"timeout"`

	// StopSignal is sent to the process group when Timeout expires.
	StopSignal string `toml:"stop_signal"`

	// KillTimeout is how long to wait after StopSignal before SIGKILL; zero
	// sends SIGKILL right away.
	KillTimeout Duration `toml:"kill_timeout"`

	// Importance is the scheduling importance of the command.
	Importance string `toml:"importance"`

	// LogLevel is an hclog level name.
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Timeout:     0,
		StopSignal:  "sigterm",
		KillTimeout: Duration(5 * time.Second),
		Importance:  "normal",
		LogLevel:    "info",
	}
}

// Load reads the TOML file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("unknown config keys [%s]", strings.Join(keys, " "))
	}

	return c, nil
}

// Validate checks every field can be used.
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.KillTimeout < 0 {
		errs = append(errs, errors.New("kill_timeout must not be negative"))
	}
	if _, err := signals.Parse(c.StopSignal); err != nil {
		errs = append(errs, err)
	}
	if _, err := resources.ParseImportance(c.Importance); err != nil {
		errs = append(errs, err)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("log level %q not recognized", c.LogLevel))
	}
	return errors.Join(errs...)
}
