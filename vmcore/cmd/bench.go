package cmd

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/vmcore/monitoring"
	"github.com/sarchlab/vmcore/scenario"
	"github.com/sarchlab/vmcore/sim"
)

var benchCmd = &cobra.Command{
	Use:   "bench <scenario>",
	Short: "Run a scenario on many machines concurrently.",
	Long: `Run a scenario on many independent machines at the same time. ` +
		`The machines share one fault ID generator; everything else is ` +
		`private to each machine.`,
	Args: cobra.ExactArgs(1),
	RunE: bench,
}

func init() {
	f := benchCmd.Flags()
	f.Int("machines", 8, "number of machines")
	f.Int("parallel", runtime.GOMAXPROCS(0), "machines running at once")
	f.Bool("monitor", false, "show progress on a monitoring server")
	f.Int("port", 0, "port of the monitoring server")

	rootCmd.AddCommand(benchCmd)
}

type benchTotals struct {
	sync.Mutex
	resolved uint64
	failed   uint64
	halted   int
}

func bench(cmd *cobra.Command, args []string) error {
	sc, ok := scenario.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown scenario %q, see vmcore list", args[0])
	}

	f := cmd.Flags()
	machines, _ := f.GetInt("machines")
	parallel, _ := f.GetInt("parallel")
	monitorOn, _ := f.GetBool("monitor")
	port, _ := f.GetInt("port")

	if machines < 1 || parallel < 1 {
		return fmt.Errorf("need at least one machine running at once")
	}

	var bar *monitoring.ProgressBar

	if monitorOn {
		m := monitoring.NewMonitor().WithLogger(logrus.StandardLogger())
		if port > 0 {
			m.WithPortNumber(port)
		}

		if _, err := m.StartServer(); err != nil {
			return err
		}
		defer m.StopServer()

		bar = m.CreateProgressBar(sc.Name, uint64(machines))
		defer m.CompleteProgressBar(bar)
	}

	ids := sim.NewParallelIDGenerator()
	totals := &benchTotals{}
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(parallel)

	for i := 0; i < machines; i++ {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if bar != nil {
				bar.Start(1)
			}

			halted, err := benchOne(sc, ids, totals)

			switch {
			case bar == nil:
			case halted:
				bar.Halt(1)
			default:
				bar.Finish(1)
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)

	printf(cmd, "%s on %d machines in %s: resolved=%d failed=%d halted=%d (%.0f faults/s)\n",
		sc.Name, machines, elapsed.Round(time.Millisecond),
		totals.resolved, totals.failed, totals.halted,
		float64(totals.resolved+totals.failed)/elapsed.Seconds())

	return nil
}

func benchOne(
	sc scenario.Scenario,
	ids sim.IDGenerator,
	totals *benchTotals,
) (halted bool, err error) {
	s, err := builder().
		WithoutRecording().
		WithoutMonitoring().
		WithIDGenerator(ids).
		Build()
	if err != nil {
		return false, err
	}
	defer s.Terminate()

	res, err := runRecovering(sc, s)
	if err != nil && !res.Halted {
		return false, err
	}

	totals.Lock()
	totals.resolved += res.Resolved
	totals.failed += res.Failed
	if res.Halted {
		totals.halted++
	}
	totals.Unlock()

	return res.Halted, nil
}
