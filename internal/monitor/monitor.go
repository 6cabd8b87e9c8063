// Package monitor maintains the client's one logical server connection and
// detects its liveness.
//
// The monitor is the only writer of the connection state; every other
// component just reads it. Detecting a dropped transport promptly, rather
// than waiting for an application-level timeout, is what lets the engine
// start its reconnect cycle early instead of queuing changes forever against
// a server that is already gone.
package monitor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State enumerates connection states.
type State int

const (
	// StateDisconnected means no usable transport exists.
	StateDisconnected State = iota
	// StateConnecting means a dial or backoff wait is in progress.
	StateConnecting
	// StateConnected means the transport is live and heartbeats answer.
	StateConnected
	// StateDegraded means the transport is open but the last heartbeat is
	// overdue. One more missed heartbeat drops to StateDisconnected.
	StateDegraded
)

// String renders the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Transport is the connection the monitor supervises. Dial establishes a
// fresh connection, Ping performs one protocol-level heartbeat round trip,
// and Close tears the connection down before a re-dial.
type Transport interface {
	Dial(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config holds monitor tuning.
type Config struct {
	// HeartbeatInterval is the fixed heartbeat period. A heartbeat
	// unanswered within one interval degrades the connection; a second
	// miss disconnects it.
	HeartbeatInterval time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 10 * time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		Logger:            log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Monitor runs the heartbeat/reconnect loop for one transport.
type Monitor struct {
	transport Transport
	config    *Config

	mu    sync.Mutex
	state State

	reconnected chan struct{}
	stateCh     chan State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. If config is nil, defaults are used.
func New(transport Transport, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}
	return &Monitor{
		transport:   transport,
		config:      config,
		state:       StateDisconnected,
		reconnected: make(chan struct{}, 1),
		stateCh:     make(chan State, 16),
	}
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is currently usable
// (connected or degraded-but-open).
func (m *Monitor) Connected() bool {
	s := m.State()
	return s == StateConnected || s == StateDegraded
}

// Reconnected returns the channel signalled on every transition into
// StateConnected. The sync engine consumes it to run its catch-up cycle.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnected
}

// StateChanges returns a channel of state transitions for observers.
// Slow consumers miss transitions rather than blocking the monitor.
func (m *Monitor) StateChanges() <-chan State {
	return m.stateCh
}

// Start launches the monitor loop. Stop cancels it; an in-flight reconnect
// attempt is abandoned cleanly without touching any queue state.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop shuts the monitor down and closes the transport.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	_ = m.transport.Close()
	m.setState(StateDisconnected)
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting)
		if err := m.dialWithBackoff(ctx); err != nil {
			// Only a cancelled context gets the dial loop to give up.
			return
		}

		m.setState(StateConnected)
		m.signalReconnected()

		m.heartbeatLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		// Heartbeats went silent: drop the transport and go around.
		_ = m.transport.Close()
		m.setState(StateDisconnected)
		m.config.Logger.Printf("Connection lost, reconnecting")
	}
}

// dialWithBackoff retries Dial with capped exponential backoff until it
// succeeds or ctx is cancelled.
func (m *Monitor) dialWithBackoff(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.InitialBackoff
	bo.MaxInterval = m.config.MaxBackoff
	bo.MaxElapsedTime = 0 // retry until cancelled

	attempt := 0
	operation := func() error {
		attempt++
		if err := m.transport.Dial(ctx); err != nil {
			if attempt == 1 || attempt%10 == 0 {
				m.config.Logger.Printf("Dial attempt %d failed: %v", attempt, err)
			}
			return err
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// heartbeatLoop pings at the configured interval. It returns when two
// consecutive heartbeats go unanswered or ctx is cancelled.
func (m *Monitor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.HeartbeatInterval)
			err := m.transport.Ping(pingCtx)
			cancel()

			if err == nil {
				if missed > 0 {
					m.config.Logger.Printf("Heartbeat recovered")
				}
				missed = 0
				if m.State() == StateDegraded {
					m.setState(StateConnected)
					m.signalReconnected()
				}
				continue
			}

			if ctx.Err() != nil {
				return
			}

			missed++
			m.config.Logger.Printf("Heartbeat missed (%d): %v", missed, err)
			if missed == 1 {
				m.setState(StateDegraded)
				continue
			}
			return
		}
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.config.Logger.Printf("State: %s -> %s", prev, s)

	select {
	case m.stateCh <- s:
	default:
	}
}

func (m *Monitor) signalReconnected() {
	select {
	case m.reconnected <- struct{}{}:
	default:
	}
}
