package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/output"
)

func newDeliverableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliverable",
		Short: "Inspect deliverables",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newDeliverableListCmd())
	return cmd
}

func newDeliverableListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables in a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, _ := cmd.Flags().GetString("workspace-id")
			if workspaceID == "" {
				return cmdErr(errors.New("--workspace-id is required"))
			}

			var deliverables []*models.Deliverable
			if err := withFacade(func(f *api.Facade) error {
				d, err := f.DeliverableList(context.Background(), workspaceID)
				if err != nil {
					return err
				}
				deliverables = d
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count        int                   `json:"count"`
				Deliverables []*models.Deliverable `json:"deliverables"`
			}
			return output.PrintSuccess(resp{Count: len(deliverables), Deliverables: deliverables})
		},
	}

	cmd.Flags().String("workspace-id", "", "Workspace ID (required)")
	return cmd
}
