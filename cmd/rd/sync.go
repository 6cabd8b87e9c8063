package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replidoc/replidoc/internal/config"
	"github.com/replidoc/replidoc/internal/daemon"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Connect once, push queued changes, pull server state, exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		env, err := openEnv(cmd, nil)
		if err != nil {
			return err
		}
		defer env.close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		env.connect(ctx)
		if err := env.waitCaughtUp(ctx); err != nil {
			return err
		}

		st, err := env.engine.Status(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Synced: %d documents, %d pending\n", st.Documents, st.Pending)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run as a long-lived sync daemon",
	Long: `Run the sync client as a long-lived process.

The daemon keeps the connection monitor and sync engine running, so queued
changes drain as soon as the server is reachable, and speaks a line protocol
on stdin/stdout:

  CREATE:<title>:<body>         -> RESPONSE:CREATED:<id>
  UPDATE:<id>:<title>:<body>    -> RESPONSE:UPDATED:<id>
  DELETE:<id>                   -> RESPONSE:DELETED:<id>
  STATUS                        -> RESPONSE:STATUS:<docs>:<pending>:<connected>
  LIST                          -> RESPONSE:DOC:... then RESPONSE:LIST_END
  SYNC                          -> RESPONSE:SYNCED
  QUIT                          -> exits

Set REPLIDOC_LOG_FILE to log to a rotating file instead of stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadLogConfig()
		if err != nil {
			return err
		}
		logger := daemon.NewLogger(cfg)

		env, err := openEnv(cmd, logger)
		if err != nil {
			return err
		}
		defer env.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Println("Shutting down")
			cancel()
			// A blocked stdin read cannot observe ctx; force exit on a
			// second signal.
			<-sigCh
			os.Exit(1)
		}()

		env.connect(ctx)

		d := daemon.New(env.engine, os.Stdin, os.Stdout, logger)
		return d.Run(ctx)
	},
}

func loadLogConfig() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.LogFile, nil
}

func init() {
	syncCmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
}
