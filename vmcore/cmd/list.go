package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/vmcore/scenario"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the scenarios that can be run.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, sc := range scenario.All() {
			printf(cmd, "%-16s %s\n", sc.Name, sc.Description)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
