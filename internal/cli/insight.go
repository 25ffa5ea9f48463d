package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dotcommander/orchestron/internal/api"
	"github.com/dotcommander/orchestron/internal/models"
	"github.com/dotcommander/orchestron/internal/output"
)

func newInsightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insight",
		Short: "Query workspace memory",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newInsightListCmd())
	return cmd
}

func newInsightListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List insights recorded in a workspace's memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID, _ := cmd.Flags().GetString("workspace-id")
			kind, _ := cmd.Flags().GetString("kind")
			minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
			limit, _ := cmd.Flags().GetInt("limit")
			if workspaceID == "" {
				return cmdErr(errors.New("--workspace-id is required"))
			}

			var insights []*models.Insight
			if err := withFacade(func(f *api.Facade) error {
				i, err := f.InsightList(context.Background(), workspaceID, models.InsightKind(kind), minConfidence, limit)
				if err != nil {
					return err
				}
				insights = i
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				Count    int               `json:"count"`
				Insights []*models.Insight `json:"insights"`
			}
			return output.PrintSuccess(resp{Count: len(insights), Insights: insights})
		},
	}

	cmd.Flags().String("workspace-id", "", "Workspace ID (required)")
	cmd.Flags().String("kind", "", "Filter by kind: success_pattern|failure_lesson|constraint|risk|opportunity|discovery")
	cmd.Flags().Float64("min-confidence", 0, "Minimum confidence threshold")
	cmd.Flags().Int("limit", 20, "Maximum insights to return (0 = no limit)")
	return cmd
}
