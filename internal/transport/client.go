// Package transport implements the WebSocket client connection to a sync
// server.
//
// A Client survives its underlying connection: the monitor re-dials it after
// a drop, and the incoming channel keeps delivering across reconnects. The
// first frame on every fresh connection is Authenticate; nothing else is sent
// until the server accepts it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/replidoc/replidoc/internal/protocol"
)

// ErrNotConnected is returned when an operation needs a live connection and
// none exists.
var ErrNotConnected = errors.New("transport: not connected")

// ErrAuthRejected is returned when the server refuses the Authenticate
// handshake.
var ErrAuthRejected = errors.New("transport: authentication rejected")

const handshakeTimeout = 10 * time.Second

// Client is a WebSocket connection to one sync server. It implements the
// monitor's Transport interface.
type Client struct {
	url    string
	auth   protocol.Authenticate
	logger *log.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	readCancel context.CancelFunc

	incoming chan protocol.ServerMessage
	pong     chan struct{}
}

// NewClient creates a client for the given ws:// or wss:// URL. Dial must be
// called before any traffic flows.
func NewClient(url string, auth protocol.Authenticate, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{
		url:      url,
		auth:     auth,
		logger:   logger,
		incoming: make(chan protocol.ServerMessage, 100),
		pong:     make(chan struct{}, 1),
	}
}

// Incoming returns the channel of server messages. Pongs are consumed by
// Ping and never appear here. The channel stays open across reconnects.
func (c *Client) Incoming() <-chan protocol.ServerMessage {
	return c.incoming
}

// Dial establishes a fresh connection and completes the Authenticate
// handshake. Any previous connection is torn down first.
func (c *Client) Dial(ctx context.Context) error {
	c.teardown()

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	if err := c.handshake(dialCtx, conn); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.readCancel = readCancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)

	c.logger.Printf("Connected to %s", c.url)
	return nil
}

// handshake sends Authenticate and reads the auth_result synchronously,
// before the read loop exists.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	msg := protocol.ClientMessage{
		Kind:         protocol.KindAuthenticate,
		Authenticate: &c.auth,
	}
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send authenticate: %w", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	result, err := protocol.DecodeServer(reply)
	if err != nil {
		return err
	}
	if result.Kind != protocol.KindAuthResult || result.Auth == nil {
		return fmt.Errorf("expected auth_result, got %s", result.Kind)
	}
	if !result.Auth.OK {
		return fmt.Errorf("%w: %s", ErrAuthRejected, result.Auth.Reason)
	}
	return nil
}

// Send writes one client message on the live connection.
func (c *Client) Send(ctx context.Context, msg protocol.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	return nil
}

// Ping performs one protocol-level heartbeat round trip: it sends a ping
// frame and waits for the matching pong from the read loop.
func (c *Client) Ping(ctx context.Context) error {
	// Drain any stale pong from an earlier timed-out ping.
	select {
	case <-c.pong:
	default:
	}

	if err := c.Send(ctx, protocol.ClientMessage{Kind: protocol.KindPing}); err != nil {
		return err
	}

	select {
	case <-c.pong:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ping timed out: %w", ctx.Err())
	}
}

// Close tears down the current connection. The client can be dialed again.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.readCancel
	c.conn = nil
	c.readCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readLoop delivers decoded server messages until the connection drops.
// Pongs are routed to the ping waiter; everything else goes to incoming.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("Read loop ended: %v", err)
			}
			return
		}

		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Printf("Dropping malformed message: %v", err)
			continue
		}

		if msg.Kind == protocol.KindPong {
			select {
			case c.pong <- struct{}{}:
			default:
			}
			continue
		}

		select {
		case c.incoming <- msg:
		case <-ctx.Done():
			return
		}
	}
}
