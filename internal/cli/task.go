package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/output"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newTaskListCmd())
	return cmd
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a workspace, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, _ := cmd.Flags().GetString("workspace-id")
			status, _ := cmd.Flags().GetString("status")
			if workspaceID == "" {
				return cmdErr(errors.New("--workspace-id is required"))
			}

			var tasks []*models.Task
			if err := withFacade(func(f *api.Facade) error {
				t, err := f.TaskList(context.Background(), workspaceID, models.TaskStatus(status))
				if err != nil {
					return err
				}
				tasks = t
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count int            `json:"count"`
				Tasks []*models.Task `json:"tasks"`
			}
			return output.PrintSuccess(resp{Count: len(tasks), Tasks: tasks})
		},
	}

	cmd.Flags().String("workspace-id", "", "Workspace ID (required)")
	cmd.Flags().String("status", "", "Filter by status: pending|ready|in_progress|completed|failed|cancelled|needs_revision")
	return cmd
}
