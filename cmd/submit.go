package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidflow/internal/model"
)

var submitAutoApprove bool

var submitCmd = &cobra.Command{
	Use:   "submit <document-uri>...",
	Short: "Submit a batch of bid documents and rank the candidates",
	Long:  "Creates one workflow session per document, runs every session to its first gate, and prints the ranking. With --auto-approve the selected bid is carried through review and dispatch without pausing.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		docs := make([]model.DocumentRef, len(args))
		for i, uri := range args {
			name := filepath.Base(uri)
			docs[i] = model.DocumentRef{
				ID:   strings.TrimSuffix(name, filepath.Ext(name)),
				Name: name,
				URI:  uri,
			}
		}

		batch, err := env.Manager.SubmitBatch(ctx, docs)
		if err != nil {
			return err
		}
		batch, err = env.Manager.Run(ctx, batch.ID)
		if err != nil {
			return err
		}

		printBatch(batch)

		if !submitAutoApprove {
			return nil
		}
		if batch.Status != model.BatchRanking {
			fmt.Println("\nnothing to approve")
			return nil
		}

		batch, err = env.Manager.ResolveReview(ctx, batch.ID, model.DecisionApprove, nil)
		if err != nil {
			return err
		}
		if batch.Status == model.BatchPricing {
			batch, err = env.Manager.ResolveDispatch(ctx, batch.ID, model.DecisionApprove)
			if err != nil {
				return err
			}
		}
		fmt.Printf("\nauto-approved: batch %s is now %s\n", batch.ID, batch.Status)
		return nil
	},
}

func printBatch(batch *model.Batch) {
	fmt.Printf("Batch %s (%s): %d submitted, %d failed\n", batch.ID, batch.Status, batch.TotalCount, batch.FailedCount)
	if len(batch.Scores) > 0 {
		fmt.Printf("\n%-4s %-38s %-10s %-8s %-8s %-8s %-8s\n", "Rank", "Session", "SpecMatch", "Margin", "Capacity", "Priority", "Total")
		for _, sc := range batch.Scores {
			fmt.Printf("%-4d %-38s %-10.1f %-8.1f %-8.1f %-8.1f %-8.1f\n",
				sc.Rank, sc.SessionID, sc.SpecMatch, sc.Margin, sc.Capacity, sc.Priority, sc.Total)
		}
	}
	if batch.SelectionReasoning != "" {
		fmt.Printf("\n%s\n", batch.SelectionReasoning)
	}
}

func init() {
	submitCmd.Flags().BoolVar(&submitAutoApprove, "auto-approve", false, "approve the review and dispatch gates without pausing")
	rootCmd.AddCommand(submitCmd)
}
