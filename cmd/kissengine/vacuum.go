package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kissdb/kissengine/internal/config"
	"github.com/kissdb/kissengine/internal/engine"
	"github.com/kissdb/kissengine/internal/telemetry"
)

func newVacuumCmd() *cobra.Command {
	var dataDir, collection string

	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Compact a vector collection's on-disk record file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if collection == "" {
				return fmt.Errorf("--collection is required")
			}
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if cfg.InMemoryOnly() {
				return fmt.Errorf("vacuum requires a configured data directory (KISS_DATA_DIR or --data-dir); this instance is running in-memory only")
			}

			logger := telemetry.NewLogger(cfg.LogLevel)
			eng, err := engine.Open(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("open engine: %w", err)
			}
			defer eng.Close()

			if err := eng.VectorVacuum(context.Background(), collection); err != nil {
				return fmt.Errorf("vacuum %s: %w", collection, err)
			}
			fmt.Printf("vacuumed collection %q\n", collection)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override KISS_DATA_DIR")
	cmd.Flags().StringVar(&collection, "collection", "", "vector collection to vacuum (required)")
	return cmd
}
