package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/output"
)

func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Trigger recovery sweeps",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newRecoveryRunCmd())
	return cmd
}

func newRecoveryRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and requeue every currently due recovery job for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, _ := cmd.Flags().GetString("workspace-id")
			worker, _ := cmd.Flags().GetString("worker")
			leaseSeconds, _ := cmd.Flags().GetInt("lease-seconds")
			if workspaceID == "" {
				return cmdErr(errors.New("--workspace-id is required"))
			}
			if worker == "" {
				worker = "cli-recovery-run"
			}

			var result *api.RecoveryRunResult
			if err := withFacade(func(f *api.Facade) error {
				r, err := f.RecoveryRun(context.Background(), workspaceID, worker, leaseSeconds)
				if err != nil {
					return err
				}
				result = r
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().String("workspace-id", "", "Workspace ID (required)")
	cmd.Flags().String("worker", "", "Worker name claiming jobs (default: cli-recovery-run)")
	cmd.Flags().Int("lease-seconds", 30, "Claim lease duration in seconds")
	return cmd
}
