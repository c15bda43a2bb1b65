package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func ingestCMD(cfgPath *string) *cobra.Command {
	var symbols []string
	var window time.Duration

	var ingest = &cobra.Command{
		Use:   "ingest",
		Short: "Collect recent articles for symbols and ingest them",
		Long: "Collect recent articles for the given symbols from the news collector, run them through\n" +
			"the quality filter and index the accepted ones. Meant to be run from cron.",
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

			if len(symbols) == 0 {
				symbols = core.Config.Ingestion.DefaultSymbols
			}
			if window == 0 {
				window = time.Duration(core.Config.Ingestion.DefaultWindowHours) * time.Hour
			}
			for i := range symbols {
				symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
			}

			summary, err := core.Processor.Trigger(ctx, symbols, window)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %d accepted, %d rejected, %d errors\n",
				summary.RunID, summary.Accepted, summary.Rejected, summary.Errors)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	ingest.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to collect, e.g. BTC,ETH (default from config)")
	ingest.Flags().DurationVar(&window, "window", 0, "publish window to collect, e.g. 24h (default from config)")

	return ingest
}
