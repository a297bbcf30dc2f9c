package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/internal/engine"
)

var (
	rebuildNamespace string
	rebuildDim       int
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild a vector namespace's ANN index from stored vectors",
	Long: `rebuild-index discards a vector namespace's in-memory ANN
structure and rebuilds it from the vectors already persisted in storage
(spec §4.5's rebuild_from_storage), using the process's configured HNSW
tuning (ef_construction, ef_search, M).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if rebuildNamespace == "" {
			return fmt.Errorf("--namespace is required")
		}
		if rebuildDim <= 0 {
			return fmt.Errorf("--dim must be a positive vector dimension")
		}
		if err := config.Initialize(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := context.Background()
		e, err := engine.Open(ctx, engine.Options{})
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer e.Close()

		cfg := e.DefaultVectorNamespaceConfig()
		if err := e.Vector.Init(ctx, rebuildNamespace, rebuildDim, cfg); err != nil {
			return fmt.Errorf("init namespace: %w", err)
		}
		if err := e.Vector.RebuildFromStorage(ctx, rebuildNamespace, cfg); err != nil {
			return fmt.Errorf("rebuild from storage: %w", err)
		}
		stats, err := e.Vector.Stats(rebuildNamespace)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Printf("rebuilt namespace %q: %+v\n", rebuildNamespace, stats)
		return nil
	},
}

func init() {
	rebuildIndexCmd.Flags().StringVar(&rebuildNamespace, "namespace", "", "vector namespace to rebuild")
	rebuildIndexCmd.Flags().IntVar(&rebuildDim, "dim", 0, "vector dimension for the namespace")
}
