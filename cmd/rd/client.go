package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/replidoc/replidoc/internal/config"
	"github.com/replidoc/replidoc/internal/engine"
	"github.com/replidoc/replidoc/internal/identity"
	"github.com/replidoc/replidoc/internal/monitor"
	"github.com/replidoc/replidoc/internal/protocol"
	"github.com/replidoc/replidoc/internal/store"
	"github.com/replidoc/replidoc/internal/transport"
)

// clientEnv is the assembled client stack behind every rd subcommand.
type clientEnv struct {
	cfg    *config.Config
	store  *store.Store
	ident  store.Identity
	client *transport.Client
	mon    *monitor.Monitor
	engine *engine.Engine
}

// openEnv opens the store and resolves identity. The engine can serve local
// operations without ever connecting; connect() brings the stack online.
func openEnv(cmd *cobra.Command, logger *log.Logger) (*clientEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	storeName, _ := cmd.Flags().GetString("store")
	st, err := store.Open(cfg.StorePath(storeName))
	if err != nil {
		return nil, err
	}

	ident, err := resolveIdentity(cmd, st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[rd] ", log.LstdFlags)
	}

	serverURL := ident.ServerURL
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	client := transport.NewClient(serverURL, identityAuth(ident, cfg.Token), logger)
	mon := monitor.New(client, &monitor.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		Logger:            logger,
	})
	eng := engine.New(st, client, mon, ident.UserID, logger)

	return &clientEnv{
		cfg:    cfg,
		store:  st,
		ident:  ident,
		client: client,
		mon:    mon,
		engine: eng,
	}, nil
}

// resolveIdentity loads or creates the store's identity. A brand-new store
// needs --user once; afterwards the persisted identity wins.
func resolveIdentity(cmd *cobra.Command, st *store.Store, cfg *config.Config) (store.Identity, error) {
	user, _ := cmd.Flags().GetString("user")

	userID := identity.Anonymous
	if user != "" {
		userID = identity.UserID(user)
	}

	ident, err := st.EnsureIdentity(context.Background(), userID, identity.NewClientID(), cfg.ServerURL)
	if errors.Is(err, store.ErrNoIdentity) {
		return store.Identity{}, fmt.Errorf("store has no identity; run once with --user <email>")
	}
	if err != nil {
		return store.Identity{}, err
	}
	if user != "" && ident.UserID != identity.UserID(user) {
		return store.Identity{}, fmt.Errorf("store belongs to a different user; use a fresh --store")
	}
	return ident, nil
}

// connect starts the monitor and engine.
func (env *clientEnv) connect(ctx context.Context) {
	env.engine.Start(ctx)
	env.mon.Start(ctx)
}

// close tears the stack down in dependency order.
func (env *clientEnv) close() {
	env.mon.Stop()
	env.engine.Stop()
	_ = env.store.Close()
}

// closeOffline releases a stack that was never connected.
func (env *clientEnv) closeOffline() {
	_ = env.store.Close()
}

func identityAuth(ident store.Identity, token string) protocol.Authenticate {
	return protocol.Authenticate{
		UserID:   ident.UserID,
		ClientID: ident.ClientID,
		Token:    token,
	}
}

// waitCaughtUp blocks until a full sync-and-drain cycle completes.
func (env *clientEnv) waitCaughtUp(ctx context.Context) error {
	for {
		if env.engine.CaughtUp() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sync did not complete: %w", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
