package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/golithk/kiln/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked issues and recent runs",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	issues, err := st.Issues.List()
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("No tracked issues.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tLAST RUN\tSTATUS\tFAILURES\tCOST (USD)")
	for _, issue := range issues {
		runs, err := st.Runs.ListForIssue(issue.RepoID, issue.IssueNumber)
		if err != nil {
			return err
		}
		lastStage, lastStatus := "-", "-"
		var cost float64
		for _, r := range runs {
			cost += r.Metrics.TotalCostUSD
		}
		if len(runs) > 0 {
			lastStage = runs[0].Stage
			lastStatus = runs[0].Status
		}
		fmt.Fprintf(w, "%s#%d\t%s\t%s\t%d\t%.2f\n",
			issue.RepoID, issue.IssueNumber, lastStage, lastStatus,
			issue.ConsecutiveFailures, cost)
	}
	return w.Flush()
}
