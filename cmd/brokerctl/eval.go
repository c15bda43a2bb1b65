package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cryptobroker/backend/internal/evaluation"
)

func evalCMD(cfgPath *string) *cobra.Command {
	var datasetPath string

	var eval = &cobra.Command{
		Use:   "eval",
		Short: "Replay an evaluation dataset and report retrieval quality",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dataset, err := evaluation.LoadDataset(datasetPath)
			if err != nil {
				return err
			}

			core, err := loadCore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer core.Close(context.Background())

			report, err := evaluation.NewEvaluator(core.Engine).Run(ctx, dataset)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), evaluation.GenerateReport(report))
			return nil
		},
	}
	eval.Flags().StringVar(&datasetPath, "dataset", "configs/eval.yaml", "evaluation dataset (YAML)")

	return eval
}
