package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/output"
)

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newWorkspaceCreateCmd())
	cmd.AddCommand(newWorkspaceGetCmd())
	cmd.AddCommand(newWorkspaceProposalCmd())
	cmd.AddCommand(newWorkspaceApproveCmd())
	return cmd
}

func newWorkspaceCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			goalText, _ := cmd.Flags().GetString("goal")
			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}
			if goalText == "" {
				return cmdErr(errors.New("--goal is required"))
			}

			var result *api.WorkspaceCreateResult
			if err := withFacade(func(f *api.Facade) error {
				r, err := f.WorkspaceCreate(context.Background(), name, goalText)
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

	cmd.Flags().String("name", "", "Workspace name (required)")
	cmd.Flags().String("goal", "", "Top-level goal text (required)")
	return cmd
}

func newWorkspaceGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a workspace snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var result *api.WorkspaceGetResult
			if err := withFacade(func(f *api.Facade) error {
				r, err := f.WorkspaceGet(context.Background(), id)
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

	cmd.Flags().String("id", "", "Workspace ID (required)")
	return cmd
}

func newWorkspaceProposalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposal",
		Short: "Propose a staffing plan and cost estimate for a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			goalText, _ := cmd.Flags().GetString("goal")
			feedback, _ := cmd.Flags().GetString("feedback")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			if goalText == "" {
				return cmdErr(errors.New("--goal is required"))
			}

			var result *api.WorkspaceProposalResult
			if err := withFacade(func(f *api.Facade) error {
				r, err := f.WorkspaceProposal(context.Background(), id, goalText, feedback)
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

	cmd.Flags().String("id", "", "Workspace ID (required)")
	cmd.Flags().String("goal", "", "Goal text to staff (required)")
	cmd.Flags().String("feedback", "", "Optional operator feedback folded into the proposal")
	return cmd
}

func newWorkspaceApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending proposal and activate the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			proposalID, _ := cmd.Flags().GetString("proposal-id")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}
			if proposalID == "" {
				return cmdErr(errors.New("--proposal-id is required"))
			}

			var result *api.WorkspaceApproveResult
			if err := withFacade(func(f *api.Facade) error {
				r, err := f.WorkspaceApprove(context.Background(), id, proposalID)
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

	cmd.Flags().String("id", "", "Workspace ID (required)")
	cmd.Flags().String("proposal-id", "", "Proposal ID to approve (required)")
	return cmd
}
