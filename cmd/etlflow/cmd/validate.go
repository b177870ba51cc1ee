// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"etlflow/internal/actions"
	"etlflow/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path...]",
	Short: "Check DAG files without starting the server",
	Long: `Parse and validate DAG files. Paths may be files or directories; with no
arguments the dag_paths setting is used. Every invalid file is reported.
Container actions are accepted only when docker.enabled is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		paths := args
		if len(paths) == 0 {
			paths = cfg.DAGPaths
		}

		var runtime actions.ContainerAPI
		if cfg.Docker.Enabled {
			cli, err := actions.NewDockerClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			runtime = cli
		}

		dags, err := config.LoadDAGs(paths, actions.NewDefaultRegistry(runtime))
		if err != nil {
			cmd.PrintErrln(err)
			return fmt.Errorf("validation failed")
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DAG\tSCHEDULE\tTASKS")
		for _, d := range dags {
			schedule := "manual"
			if !d.Manual() {
				schedule = d.Schedule.String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Name, schedule, len(d.Tasks()))
		}
		tw.Flush()
		cmd.Printf("%d DAG(s) valid\n", len(dags))
		return nil
	},
}
