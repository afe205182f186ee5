package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidflow/internal/model"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [batch-id]",
	Short: "Show batch progress",
	Long:  "Without arguments lists recent batches. With a batch ID shows the batch record and the stage each session is at.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			batches, err := env.Manager.ListBatches(ctx, statusLimit)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				fmt.Println("no batches")
				return nil
			}
			fmt.Printf("%-38s %-12s %-10s %-10s %-20s\n", "Batch", "Status", "Submitted", "Failed", "Created")
			for _, b := range batches {
				fmt.Printf("%-38s %-12s %-10d %-10d %-20s\n",
					b.ID, b.Status, b.TotalCount, b.FailedCount, b.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		}

		batch, err := env.Manager.GetBatch(ctx, args[0])
		if err != nil {
			return err
		}
		printBatch(batch)

		sessions, err := env.Manager.Sessions(ctx, batch)
		if err != nil {
			return err
		}
		fmt.Printf("\n%-38s %-24s %-12s %-12s\n", "Session", "Document", "Stage", "Status")
		for _, sess := range sessions {
			marker := ""
			if sess.ID == batch.SelectedSessionID {
				marker = " *"
			}
			fmt.Printf("%-38s %-24s %-12s %-12s%s\n",
				sess.ID, sess.Document.Name, sess.CurrentStage, sess.Status, marker)
			if sess.Status == model.SessionFailed {
				if raw, ok := sess.StageOutputs[model.ErrorOutputKey]; ok {
					fmt.Printf("    error: %s\n", raw)
				}
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "maximum batches to list")
	rootCmd.AddCommand(statusCmd)
}
