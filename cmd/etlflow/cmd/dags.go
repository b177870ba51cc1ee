// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var dagsCmd = &cobra.Command{
	Use:   "dags",
	Short: "List the DAGs loaded by the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dags, err := newClient().ListDAGs(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DAG\tSCHEDULE\tMAX ACTIVE\tTASKS")
		for _, d := range dags {
			names := make([]string, 0, len(d.Tasks))
			for _, t := range d.Tasks {
				names = append(names, t.Name)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Name, d.Schedule, d.MaxActiveRuns, strings.Join(names, ","))
		}
		return tw.Flush()
	},
}
