package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/scenario"
	"github.com/sarchlab/vmcore/simulation"
)

var runCmd = &cobra.Command{
	Use:   "run [scenario...]",
	Short: "Run scenarios, each on a fresh machine.",
	Long: `Run the named scenarios, or all of them, each on a fresh machine. ` +
		`With --record the faults of every run go into an SQLite file. ` +
		`With --monitor the machine is served over HTTP.`,
	RunE: runScenarios,
}

func init() {
	f := runCmd.Flags()
	f.String("record", "", "record faults into <path>-<scenario>.sqlite3")
	f.Bool("monitor", false, "serve the machine over HTTP")
	f.Int("port", 0, "port of the monitoring server")
	f.Bool("open", false, "open the monitor in a browser")
	f.Bool("hold", false, "keep the last machine served until interrupted")

	rootCmd.AddCommand(runCmd)
}

type runOpts struct {
	record  string
	monitor bool
	port    int
	open    bool
	hold    bool
}

func parseRunOpts(cmd *cobra.Command) runOpts {
	f := cmd.Flags()

	o := runOpts{
		record:  cfg.RecordPath,
		monitor: cfg.Monitor,
		port:    cfg.MonitorPort,
	}

	if f.Changed("record") {
		o.record, _ = f.GetString("record")
	}

	if f.Changed("monitor") {
		o.monitor, _ = f.GetBool("monitor")
	}

	if f.Changed("port") {
		o.port, _ = f.GetInt("port")
	}

	o.open, _ = f.GetBool("open")
	o.hold, _ = f.GetBool("hold")

	if o.open || o.hold {
		o.monitor = true
	}

	return o
}

func selectScenarios(names []string) ([]scenario.Scenario, error) {
	if len(names) == 0 {
		return scenario.All(), nil
	}

	list := make([]scenario.Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := scenario.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q, see vmcore list", name)
		}

		list = append(list, sc)
	}

	return list, nil
}

func runScenarios(cmd *cobra.Command, args []string) error {
	list, err := selectScenarios(args)
	if err != nil {
		return err
	}

	opts := parseRunOpts(cmd)

	var failed []string

	for i, sc := range list {
		last := i == len(list)-1

		err := runOne(cmd, sc, opts, last)
		if err != nil {
			logrus.WithError(err).WithField("scenario", sc.Name).
				Error("scenario failed")

			failed = append(failed, sc.Name)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d scenario(s) failed: %s",
			len(failed), strings.Join(failed, ", "))
	}

	return nil
}

func runOne(
	cmd *cobra.Command,
	sc scenario.Scenario,
	opts runOpts,
	last bool,
) (err error) {
	b := builder().WithoutRecording().WithoutMonitoring()

	if opts.record != "" {
		b = b.WithRecording(opts.record + "-" + sc.Name)
	}

	if opts.monitor {
		b = b.WithMonitor(opts.port)
	}

	s, err := b.Build()
	if err != nil {
		return err
	}

	defer func() {
		if terr := s.Terminate(); terr != nil && err == nil {
			err = terr
		}
	}()

	if s.Monitor() != nil && opts.open {
		if berr := browser.OpenURL(s.MonitorURL()); berr != nil {
			logrus.WithError(berr).Warn("cannot open a browser")
		}
	}

	res, err := runRecovering(sc, s)
	printResult(cmd, res)

	if err != nil {
		return err
	}

	if s.DataRecorder() != nil {
		printf(cmd, "  recorded %d fault(s) in %s\n",
			s.DBTracer().Written(), s.DataRecorder().Path())
	}

	if opts.hold && last {
		printf(cmd, "Serving %s, interrupt to stop.\n", s.MonitorURL())
		waitForInterrupt()
	}

	return nil
}

// runRecovering turns a kernel panic that escaped the scenario into an
// error.
func runRecovering(
	sc scenario.Scenario,
	s *simulation.Simulation,
) (res scenario.Result, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		var kp *fault.KernelPanic

		rerr, ok := r.(error)
		if !ok || !errors.As(rerr, &kp) {
			panic(r)
		}

		res.Scenario = sc.Name
		res.Halted = true
		err = kp
	}()

	return sc.Run(s)
}

func printResult(cmd *cobra.Command, res scenario.Result) {
	status := "ok"
	if res.Halted {
		status = "halted"
	}

	printf(cmd, "%-16s %-7s processes=%d resolved=%d failed=%d frames=%d\n",
		res.Scenario, status, res.Processes, res.Resolved, res.Failed,
		res.FramesUsed)

	for _, n := range res.Notes {
		for _, line := range strings.Split(strings.TrimRight(n, "\n"), "\n") {
			printf(cmd, "  %s\n", line)
		}
	}
}

func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	signal.Stop(ch)
}
