// Command rd is an offline-first document sync client and server.
//
// Local edits always succeed against the embedded store; changes queue
// durably while offline and drain to the sync server on reconnect. The
// server is the sole arbiter of canonical state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rd",
	Short: "Offline-first document synchronization",
	Long: `rd keeps a local set of documents synchronized with a sync server.

Edits are applied to the local store immediately and queued durably; the
queue drains whenever a connection is available. Configuration comes from
REPLIDOC_* environment variables (REPLIDOC_SERVER, REPLIDOC_TOKEN,
REPLIDOC_STORE_DIR, REPLIDOC_LOG_FILE) plus the flags below.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("store", "default", "Name of the local store")
	rootCmd.PersistentFlags().String("user", "", "User credential (e.g. email) identity is derived from")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
