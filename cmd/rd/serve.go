package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replidoc/replidoc/internal/config"
	"github.com/replidoc/replidoc/internal/server"
	"github.com/replidoc/replidoc/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the sync server: the single arbiter of canonical document state.

Clients connect to ws://<addr>/sync. The canonical store lives in its own
database under REPLIDOC_STORE_DIR; REPLIDOC_TOKEN, when set, is required
from every client.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.ListenAddr
		}
		dbName, _ := cmd.Flags().GetString("db")

		st, err := store.Open(cfg.StorePath(dbName))
		if err != nil {
			return err
		}
		defer st.Close()

		logger := log.New(os.Stderr, "[server] ", log.LstdFlags)
		srv := server.New(st, &server.Config{
			Addr:   addr,
			Token:  cfg.Token,
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Sync server listening on %s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/sync\n", srv.Addr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from REPLIDOC_LISTEN)")
	serveCmd.Flags().String("db", "server", "Name of the canonical store database")
	rootCmd.AddCommand(serveCmd)
}
