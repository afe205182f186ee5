package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/bidflow/internal/report"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <batch-id>",
	Short: "Export a batch's ranking and pricing to an xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := env.Manager.GetBatch(ctx, args[0])
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = fmt.Sprintf("batch-%s.xlsx", batch.ID)
		}
		if err := report.WriteBatchReport(ctx, batch, env.Machine, out); err != nil {
			return err
		}

		fmt.Printf("wrote %s\n", out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default batch-<id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
