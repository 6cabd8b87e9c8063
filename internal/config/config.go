// Package config loads client and server configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the CLI, daemon, and server need from the
// environment. Flags override individual fields after Load.
type Config struct {
	// ServerURL is the websocket endpoint of the sync server.
	ServerURL string

	// Token authenticates this user against the server.
	Token string

	// StoreDir is the directory holding per-store SQLite databases.
	StoreDir string

	// LogFile, when set, routes daemon logs to a rotating file instead
	// of stderr.
	LogFile string

	// HeartbeatInterval is the connection monitor's heartbeat period.
	HeartbeatInterval time.Duration

	// ListenAddr is the address the serve command binds to.
	ListenAddr string
}

// Load reads configuration from REPLIDOC_* environment variables, filling
// unset values with defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("replidoc")
	v.AutomaticEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	v.SetDefault("server", "ws://127.0.0.1:8787/sync")
	v.SetDefault("store_dir", filepath.Join(home, ".replidoc"))
	v.SetDefault("heartbeat", "10s")
	v.SetDefault("listen", ":8787")

	heartbeat, err := time.ParseDuration(v.GetString("heartbeat"))
	if err != nil {
		return nil, fmt.Errorf("invalid REPLIDOC_HEARTBEAT: %w", err)
	}

	return &Config{
		ServerURL:         v.GetString("server"),
		Token:             v.GetString("token"),
		StoreDir:          v.GetString("store_dir"),
		LogFile:           v.GetString("log_file"),
		HeartbeatInterval: heartbeat,
		ListenAddr:        v.GetString("listen"),
	}, nil
}

// StorePath returns the database path for a named store.
func (c *Config) StorePath(name string) string {
	return filepath.Join(c.StoreDir, name+".db")
}
