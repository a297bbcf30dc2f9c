// Command themisctl is the maintenance CLI for a ThemisDB data directory:
// triggering a checkpoint, rebuilding a vector namespace's index from
// storage, and offline-compacting the underlying data file. It is a thin
// wrapper over internal/engine and internal/config; it holds no database
// logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "themisctl",
	Short: "ThemisDB maintenance CLI",
	Long: `themisctl performs offline/maintenance operations against a
ThemisDB data directory: checkpoint, rebuild-index, and compact.

These commands are for operators; application code talks to the query
engine and HTTP API, not this tool.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a themisdb.toml config file")
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(compactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "themisctl:", err)
		os.Exit(1)
	}
}
