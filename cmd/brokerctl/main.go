package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cryptobroker/backend/internal/app"
	"github.com/cryptobroker/backend/pkg/config"
	"github.com/cryptobroker/backend/pkg/logger"
)

func main() {
	var cfgPath string

	var root = &cobra.Command{
		Use:           "brokerctl",
		Short:         "Operate the crypto news retrieval core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(ingestCMD(&cfgPath), evalCMD(&cfgPath), statusCMD(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadCore reads configuration and builds the retrieval core. The caller closes it.
func loadCore(ctx context.Context, cfgPath string) (*app.App, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return app.Build(ctx, cfg)
}
