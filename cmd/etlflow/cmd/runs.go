// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"etlflow/internal/api"
)

var runsCmd = &cobra.Command{
	Use:   "runs [dag]",
	Short: "List recent runs of a DAG, newest window first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := newClient().ListRuns(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			cmd.Println("No runs")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tWINDOW START\tWINDOW END\tSTATE\tTRIGGER")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID,
				r.Window.Start.Format(time.RFC3339), r.Window.End.Format(time.RFC3339), r.State, r.Trigger)
		}
		return tw.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Show a run and the state of each task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rv, err := newClient().GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(cmd, rv)
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort [run_id]",
	Short: "Cancel an active run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Abort(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("Abort requested for run %s\n", args[0])
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}

func printRun(cmd *cobra.Command, rv *api.RunView) {
	cmd.Printf("Run:     %s\n", rv.ID)
	cmd.Printf("DAG:     %s\n", rv.DAG)
	cmd.Printf("Window:  %s\n", rv.Window)
	cmd.Printf("State:   %s\n", rv.State)
	if rv.EndedAt != nil {
		cmd.Printf("Ended:   %s\n", rv.EndedAt.Format(time.RFC3339))
	}

	names := make([]string, 0, len(rv.Tasks))
	for name := range rv.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	cmd.Println()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tATTEMPT\tERROR")
	for _, name := range names {
		ti := rv.Tasks[name]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, ti.State, ti.Attempt, ti.LastError)
	}
	tw.Flush()

	for _, f := range rv.Failures {
		cmd.Printf("Failed: %s after %d attempt(s): %s\n", f.Task, f.Attempts, f.Error)
	}
}
