package daemon

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the daemon's logger. With a path it writes to a rotating
// file so a long-lived daemon cannot fill a disk; otherwise it logs to
// stderr.
func NewLogger(path string) *log.Logger {
	if path == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, "[daemon] ", log.LstdFlags)
}
