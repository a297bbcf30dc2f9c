package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/themisdb/themisdb/internal/config"
)

var compactTxMaxSize int64

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite the data file into a new file with reclaimed free space",
	Long: `compact copies the configured data file's live pages into a
fresh file, reclaiming space left behind by deletes and updates, then
replaces the original in place (spec §6's storage.auto-compaction knob's
offline counterpart). The database must not be open by another process
while this runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		storage := config.GetStorageSettings()
		path := storage.DataDir

		src, err := bolt.Open(path, 0o600, nil)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}

		dstPath := path + ".compact"
		dst, err := bolt.Open(dstPath, 0o600, nil)
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("open destination: %w", err)
		}

		compactErr := bolt.Compact(dst, src, compactTxMaxSize)
		_ = dst.Close()
		_ = src.Close()
		if compactErr != nil {
			os.Remove(dstPath)
			return fmt.Errorf("compact: %w", compactErr)
		}
		if err := os.Rename(dstPath, path); err != nil {
			return fmt.Errorf("replace original: %w", err)
		}
		fmt.Printf("compacted %s\n", path)
		return nil
	},
}

func init() {
	compactCmd.Flags().Int64Var(&compactTxMaxSize, "tx-max-size", 64*1024*1024, "maximum transaction size in bytes used while copying pages")
}
