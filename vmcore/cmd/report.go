package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/datarecording"
	"github.com/sarchlab/vmcore/tracing"
)

var reportCmd = &cobra.Command{
	Use:   "report <recording.sqlite3>",
	Short: "Summarize the faults of a recording.",
	Args:  cobra.ExactArgs(1),
	RunE:  report,
}

func init() {
	reportCmd.Flags().Int("pid", -1, "only faults charged to this process")
	reportCmd.Flags().Int("last", 0, "also list the last n faults")

	rootCmd.AddCommand(reportCmd)
}

func report(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}

	reader, err := datarecording.NewReader(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	reader.MapTable(tracing.FaultTable, tracing.FaultRecord{})

	pid, _ := cmd.Flags().GetInt("pid")
	last, _ := cmd.Flags().GetInt("last")

	base := datarecording.QueryParams{}
	if pid >= 0 {
		base.Where = "PID = ?"
		base.Args = []any{pid}
	}

	rows, total, err := reader.Query(context.Background(),
		tracing.FaultTable, base)
	if err != nil {
		return err
	}

	summary := summarize(rows)

	printf(cmd, "%d fault(s)\n", total)
	for _, line := range summary {
		printf(cmd, "  %-14s resolved=%d failed=%d\n",
			line.Path, line.Resolved, line.Failed)
	}

	if last <= 0 {
		return nil
	}

	recent := base
	recent.OrderBy = "StartNS DESC"
	recent.Limit = last

	rows, _, err = reader.Query(context.Background(), tracing.FaultTable, recent)
	if err != nil {
		return err
	}

	for _, row := range rows {
		printf(cmd, "  %s\n", describeRecord(row.(*tracing.FaultRecord)))
	}

	return nil
}

func summarize(rows []any) []tracing.PathCount {
	index := map[string]int{}

	var counts []tracing.PathCount

	for _, row := range rows {
		rec := row.(*tracing.FaultRecord)

		i, ok := index[rec.Path]
		if !ok {
			i = len(counts)
			index[rec.Path] = i
			counts = append(counts, tracing.PathCount{Path: rec.Path})
		}

		if rec.Resolved {
			counts[i].Resolved++
		} else {
			counts[i].Failed++
		}
	}

	return counts
}

func describeRecord(r *tracing.FaultRecord) string {
	s := fmt.Sprintf("%s pid=%d %s %s 0x%08x %s",
		r.ID, r.PID, r.Mode, r.Access, r.FaultVA, r.Path)

	if r.PtepFault {
		s += fmt.Sprintf(" ref=0x%08x", r.RefVA)
	}

	if r.Error != "" {
		s += " error=" + r.Error
	}

	return s
}
