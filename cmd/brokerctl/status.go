package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func statusCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print backend states and store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			core, err := loadCore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer core.Close(context.Background())

			stats, err := core.DB.Stats(ctx)
			if err != nil {
				return err
			}
			rejections, err := core.DB.RejectionCounts(ctx)
			if err != nil {
				return err
			}
			runs, err := core.DB.ListIngestionRuns(ctx, 5)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"backends":    core.Engine.Status(),
				"stats":       stats,
				"rejections":  rejections,
				"recent_runs": runs,
			})
		},
	}
}
