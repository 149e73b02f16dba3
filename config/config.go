// Package config loads the settings of a machine from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmcore/mem/vm/fault"
)

// Prefix starts the name of every variable read by Load.
const Prefix = "VMCORE_"

// DefaultEnvFile is loaded when Load is given no file and it exists.
const DefaultEnvFile = ".env"

// ErrInvalid is returned for settings that cannot describe a machine.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the settings of one machine.
type Config struct {
	// Frames is the number of physical frames, frame 0 included.
	Frames int
	// TLBEntries is the number of TLB entries.
	TLBEntries int
	// MaxFaultDepth is the deepest tolerated fault nesting.
	MaxFaultDepth int
	// RecordPath is where fault records go. Empty disables recording.
	RecordPath string
	// Monitor turns the monitoring server on.
	Monitor bool
	// MonitorPort is the port of the monitoring server. Zero picks one.
	MonitorPort int
	// LogLevel is a logrus level name.
	LogLevel string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Frames:        1024,
		TLBEntries:    64,
		MaxFaultDepth: fault.MaxNestedFaults,
		LogLevel:      "info",
	}
}

// Load reads the given .env files, or DefaultEnvFile when none is given,
// then builds the configuration from the environment. Variables already
// set in the environment win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			files = []string{DefaultEnvFile}
		}
	}

	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w",
				strings.Join(files, ", "), err)
		}
	}

	return FromEnv()
}

// FromEnv builds the configuration from the VMCORE_ variables.
func FromEnv() (Config, error) {
	c := Default()

	ints := []struct {
		name string
		dst  *int
	}{
		{"FRAMES", &c.Frames},
		{"TLB_ENTRIES", &c.TLBEntries},
		{"MAX_FAULT_DEPTH", &c.MaxFaultDepth},
		{"MONITOR_PORT", &c.MonitorPort},
	}

	for _, v := range ints {
		s, ok := os.LookupEnv(Prefix + v.name)
		if !ok {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s%s=%q",
				ErrInvalid, Prefix, v.name, s)
		}

		*v.dst = n
	}

	if s, ok := os.LookupEnv(Prefix + "MONITOR"); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %sMONITOR=%q", ErrInvalid, Prefix, s)
		}

		c.Monitor = b
	}

	if s, ok := os.LookupEnv(Prefix + "RECORD"); ok {
		c.RecordPath = s
	}

	if s, ok := os.LookupEnv(Prefix + "LOG_LEVEL"); ok {
		c.LogLevel = s
	}

	return c, c.Validate()
}

// Validate checks that the settings describe a machine.
func (c Config) Validate() error {
	switch {
	case c.Frames < 16:
		return fmt.Errorf("%w: %d frames, need at least 16", ErrInvalid, c.Frames)
	case c.TLBEntries < 1:
		return fmt.Errorf("%w: %d TLB entries", ErrInvalid, c.TLBEntries)
	case c.MaxFaultDepth < 1:
		return fmt.Errorf("%w: fault depth %d", ErrInvalid, c.MaxFaultDepth)
	case c.MonitorPort < 0 || c.MonitorPort > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalid, c.MonitorPort)
	}

	_, err := c.Level()

	return err
}

// Level returns the parsed log level.
func (c Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return lvl, nil
}
