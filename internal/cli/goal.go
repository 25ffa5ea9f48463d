package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/output"
)

func newGoalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Inspect goals",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newGoalListCmd())
	return cmd
}

func newGoalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, _ := cmd.Flags().GetString("workspace-id")
			if workspaceID == "" {
				return cmdErr(errors.New("--workspace-id is required"))
			}

			var goals []*models.Goal
			if err := withFacade(func(f *api.Facade) error {
				g, err := f.GoalList(context.Background(), workspaceID)
				if err != nil {
					return err
				}
				goals = g
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count int            `json:"count"`
				Goals []*models.Goal `json:"goals"`
			}
			return output.PrintSuccess(resp{Count: len(goals), Goals: goals})
		},
	}

	cmd.Flags().String("workspace-id", "", "Workspace ID (required)")
	return cmd
}
