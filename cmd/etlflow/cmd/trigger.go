// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"etlflow/internal/api"
	"etlflow/internal/config"
	"etlflow/pkg/types"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [dag]",
	Short: "Create a run of a DAG for one data interval",
	Long: `Create a run of a DAG for the interval [start, end). Triggering an
interval that already has a run returns that run instead of creating a
second one. With --wait the command polls until the run finishes and
exits non-zero if it did not succeed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		startFlag, _ := cmd.Flags().GetString("start")
		endFlag, _ := cmd.Flags().GetString("end")
		params, _ := cmd.Flags().GetStringToString("param")
		wait, _ := cmd.Flags().GetBool("wait")
		poll, _ := cmd.Flags().GetDuration("poll")

		start, err := config.ParseDate(startFlag)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		end, err := config.ParseDate(endFlag)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}

		client := newClient()
		res, err := client.Trigger(cmd.Context(), args[0], api.TriggerBody{
			Window: types.NewWindow(start, end),
			Params: params,
		})
		if err != nil {
			return err
		}

		if res.Created {
			cmd.Printf("Run created\nID: %s\nWindow: %s\n", res.RunID, res.Window)
		} else {
			cmd.Printf("Run already exists (%s)\nID: %s\nWindow: %s\n", res.State, res.RunID, res.Window)
		}
		if !wait {
			return nil
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			rv, err := client.GetRun(cmd.Context(), res.RunID)
			if err != nil {
				return err
			}
			if rv.State.IsTerminal() {
				printRun(cmd, rv)
				if rv.State != types.RunSucceeded {
					return errors.New("run " + string(rv.State))
				}
				return nil
			}
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-ticker.C:
			}
		}
	},
}

func init() {
	triggerCmd.Flags().String("start", "", "interval start (RFC 3339 or YYYY-MM-DD)")
	triggerCmd.Flags().String("end", "", "interval end, exclusive (RFC 3339 or YYYY-MM-DD)")
	triggerCmd.Flags().StringToString("param", nil, "run parameter as key=value (repeatable)")
	triggerCmd.Flags().Bool("wait", false, "wait for the run to finish")
	triggerCmd.Flags().Duration("poll", 2*time.Second, "poll interval with --wait")
	_ = triggerCmd.MarkFlagRequired("start")
	_ = triggerCmd.MarkFlagRequired("end")
}
