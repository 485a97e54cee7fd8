package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dxpipe/pkg/persistence"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs, newest activity first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		_, store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		summaries, err := store.ListRuns(persistence.RunFilter{Status: status, Limit: limit})
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(summaries) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTATUS\tSTAGE\tITER\tCONFIDENCE\tUPDATED\tERROR")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\n",
				s.RunID, s.Status, s.CurrentStage, s.Iteration, s.Confidence,
				s.UpdatedAt.Format("2006-01-02 15:04"), s.LastError)
		}
		return tw.Flush()
	},
}

func init() {
	runsCmd.Flags().String("status", "", "filter by status (RUNNING, AWAITING_HUMAN, COMPLETED, ESCALATED, FAILED)")
	runsCmd.Flags().Int("limit", 0, "maximum rows to show (0 = all)")
}
