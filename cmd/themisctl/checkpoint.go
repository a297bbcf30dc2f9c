package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/themisdb/themisdb/internal/config"
	"github.com/themisdb/themisdb/internal/engine"
	"github.com/themisdb/themisdb/internal/idgen"
)

var checkpointDir string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write a consistent point-in-time copy of the data directory",
	Long: `checkpoint opens the configured data directory and writes a
consistent copy of every column family into --dir (spec §4.1's
checkpoint operation), for backup or point-in-time restore. When --dir
is omitted a name is minted from the current time so repeated runs
never collide.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkpointDir == "" {
			checkpointDir = idgen.NonceID("checkpoint", configPath, time.Now(), 0, 8)
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

		if err := e.KV.CreateCheckpoint(ctx, checkpointDir); err != nil {
			return fmt.Errorf("create checkpoint: %w", err)
		}
		fmt.Printf("checkpoint written to %s\n", checkpointDir)
		return nil
	},
}

func init() {
	checkpointCmd.Flags().StringVar(&checkpointDir, "dir", "", "destination directory for the checkpoint")
}
