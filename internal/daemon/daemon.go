// Package daemon runs the sync client as a long-lived process speaking a
// line-oriented protocol on stdin/stdout.
//
// The protocol exists for scripting and integration harnesses: one command
// per input line, one or more RESPONSE: lines per command. The process keeps
// its engine (and therefore its pending queue and reconnect loop) alive
// across server restarts; killing it loses nothing because every
// unacknowledged change is already durable.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replidoc/replidoc/internal/document"
	"github.com/replidoc/replidoc/internal/engine"
)

// syncWait bounds how long the SYNC command waits for a catch-up cycle.
const syncWait = 10 * time.Second

// Controller is the engine surface the daemon drives.
type Controller interface {
	CreateDocument(ctx context.Context, title, body string) (*document.Document, error)
	ApplyLocalEdit(ctx context.Context, id uuid.UUID, patch document.Patch) (*document.Document, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*document.Document, error)
	Status(ctx context.Context) (engine.Status, error)
	CaughtUp() bool

	// Resync schedules a fresh catch-up cycle. CaughtUp must report
	// false from the moment Resync returns until that cycle completes,
	// so pollers cannot mistake the previous cycle's state for this one.
	Resync()
}

// Daemon reads commands line by line and writes responses.
type Daemon struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// New creates a daemon over the given streams.
func New(ctrl Controller, in io.Reader, out io.Writer, logger *log.Logger) *Daemon {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{ctrl: ctrl, in: in, out: out, logger: logger}
}

// Run announces readiness and serves commands until QUIT, end of input, or
// ctx cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	d.respond("DAEMON_READY")

	scanner := bufio.NewScanner(d.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "QUIT" {
			d.logger.Println("Quit requested")
			return nil
		}
		d.dispatch(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read command stream: %w", err)
	}
	return nil
}

func (d *Daemon) dispatch(ctx context.Context, line string) {
	cmd, rest, _ := strings.Cut(line, ":")
	switch cmd {
	case "CREATE":
		d.handleCreate(ctx, rest)
	case "UPDATE":
		d.handleUpdate(ctx, rest)
	case "DELETE":
		d.handleDelete(ctx, rest)
	case "STATUS":
		d.handleStatus(ctx)
	case "LIST":
		d.handleList(ctx)
	case "SYNC":
		d.handleSync(ctx)
	default:
		d.fail("unknown command %s", cmd)
	}
}

// handleCreate serves CREATE:<title>:<body>.
func (d *Daemon) handleCreate(ctx context.Context, args string) {
	title, body, ok := strings.Cut(args, ":")
	if !ok {
		d.fail("CREATE requires <title>:<body>")
		return
	}
	doc, err := d.ctrl.CreateDocument(ctx, title, body)
	if err != nil {
		d.fail("create failed: %v", err)
		return
	}
	d.respond("RESPONSE:CREATED:%s", doc.ID)
}

// handleUpdate serves UPDATE:<id>:<title>:<body>.
func (d *Daemon) handleUpdate(ctx context.Context, args string) {
	parts := strings.SplitN(args, ":", 3)
	if len(parts) != 3 {
		d.fail("UPDATE requires <id>:<title>:<body>")
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		d.fail("invalid document id %q", parts[0])
		return
	}
	doc, err := d.ctrl.ApplyLocalEdit(ctx, id, document.NewPatch(parts[1], parts[2]))
	if err != nil {
		d.fail("update failed: %v", err)
		return
	}
	d.respond("RESPONSE:UPDATED:%s", doc.ID)
}

// handleDelete serves DELETE:<id>.
func (d *Daemon) handleDelete(ctx context.Context, args string) {
	id, err := uuid.Parse(args)
	if err != nil {
		d.fail("invalid document id %q", args)
		return
	}
	if err := d.ctrl.DeleteDocument(ctx, id); err != nil {
		d.fail("delete failed: %v", err)
		return
	}
	d.respond("RESPONSE:DELETED:%s", id)
}

func (d *Daemon) handleStatus(ctx context.Context) {
	st, err := d.ctrl.Status(ctx)
	if err != nil {
		d.fail("status failed: %v", err)
		return
	}
	d.respond("RESPONSE:STATUS:%d:%d:%t", st.Documents, st.Pending, st.Connected)
}

func (d *Daemon) handleList(ctx context.Context) {
	docs, err := d.ctrl.List(ctx)
	if err != nil {
		d.fail("list failed: %v", err)
		return
	}
	for _, doc := range docs {
		d.respond("RESPONSE:DOC:%s:%s:%s", doc.ID, sanitize(doc.Title), doc.Revision)
	}
	d.respond("RESPONSE:LIST_END")
}

// handleSync triggers a catch-up cycle and waits for it to complete.
func (d *Daemon) handleSync(ctx context.Context) {
	st, err := d.ctrl.Status(ctx)
	if err != nil {
		d.fail("sync failed: %v", err)
		return
	}
	if !st.Connected {
		d.fail("not connected")
		return
	}

	d.ctrl.Resync()
	deadline := time.Now().Add(syncWait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			d.fail("sync interrupted")
			return
		}
		if d.ctrl.CaughtUp() {
			d.respond("RESPONSE:SYNCED")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.fail("sync timed out")
}

func (d *Daemon) respond(format string, args ...any) {
	if _, err := fmt.Fprintf(d.out, format+"\n", args...); err != nil {
		d.logger.Printf("Failed to write response: %v", err)
	}
}

func (d *Daemon) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("Command failed: %s", msg)
	d.respond("RESPONSE:ERROR:%s", sanitize(msg))
}

// sanitize keeps field values from breaking the line protocol's colon
// delimiters and line framing.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, ":", ";")
}
