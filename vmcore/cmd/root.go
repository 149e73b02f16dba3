// Package cmd provides the command-line interface of vmcore.
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/simulation"
)

var (
	envFiles []string
	cfg      config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmcore",
	Short: "vmcore runs programs on a simulated virtual-memory core.",
	Long: `vmcore runs programs on a simulated i386 machine whose page ` +
		`faults are resolved by a region-based virtual-memory core. ` +
		`Settings come from .env files, VMCORE_* variables and flags, ` +
		`in increasing order of precedence.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	d := config.Default()
	f := rootCmd.PersistentFlags()

	f.StringSliceVar(&envFiles, "env", nil,
		"load settings from these .env files instead of ./.env")
	f.Int("frames", d.Frames, "physical frames of a machine")
	f.Int("tlb-entries", d.TLBEntries, "TLB entries of a machine")
	f.Int("max-fault-depth", d.MaxFaultDepth, "deepest tolerated fault nesting")
	f.String("log-level", d.LogLevel, "logrus level")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error

	cfg, err = config.Load(envFiles...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()

	if flags.Changed("frames") {
		cfg.Frames, _ = flags.GetInt("frames")
	}

	if flags.Changed("tlb-entries") {
		cfg.TLBEntries, _ = flags.GetInt("tlb-entries")
	}

	if flags.Changed("max-fault-depth") {
		cfg.MaxFaultDepth, _ = flags.GetInt("max-fault-depth")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err = cfg.Validate(); err != nil {
		return err
	}

	lvl, _ := cfg.Level()
	logrus.SetLevel(lvl)

	return nil
}

func builder() simulation.Builder {
	return simulation.MakeBuilder().
		WithConfig(cfg).
		WithLogger(logrus.StandardLogger())
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers registered with atexit run before the
// process ends.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
