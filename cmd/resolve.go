package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bidflow/internal/model"
)

var resolveIndex int

var resolveCmd = &cobra.Command{
	Use:   "resolve <batch-id> <review|dispatch> <approve|reject>",
	Short: "Resolve a pending human gate on a batch",
	Long:  "Records a review or dispatch decision for the batch. Use --index to override the ranked selection with a different submission before approving the review.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		batchID, gate := args[0], args[1]

		var decision model.Decision
		switch args[2] {
		case "approve":
			decision = model.DecisionApprove
		case "reject":
			decision = model.DecisionReject
		default:
			return eris.Errorf("unknown decision %q, want approve or reject", args[2])
		}

		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var batch *model.Batch
		switch gate {
		case "review":
			var selected *int
			if cmd.Flags().Changed("index") {
				selected = &resolveIndex
			}
			batch, err = env.Manager.ResolveReview(ctx, batchID, decision, selected)
		case "dispatch":
			batch, err = env.Manager.ResolveDispatch(ctx, batchID, decision)
		default:
			return eris.Errorf("unknown gate %q, want review or dispatch", gate)
		}
		if err != nil {
			return err
		}

		fmt.Printf("batch %s is now %s\n", batch.ID, batch.Status)
		if batch.SelectionReasoning != "" {
			fmt.Println(batch.SelectionReasoning)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveIndex, "index", 0, "submission index to select instead of the ranked winner")
	rootCmd.AddCommand(resolveCmd)
}
