package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ConnManager owns the physical bus connection: connect, heartbeat,
// reconnect backoff, disconnect. Everything else reaches the transport only
// through Publish, never directly.
type ConnManager struct {
	url         string
	dialTimeout time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	transport   Transport
	logger      *slog.Logger

	mu            sync.Mutex
	conn          Conn
	gen           int // connection generation; guards stale read loops
	state         ConnState
	credential    string
	attempts      int
	timer         *time.Timer
	closed        bool
	everConnected bool
	lastErr       error

	onFrame     func([]byte)
	stateSubs   []func(ConnState)
	reconnSubs  []func()
	teardownFns []func()
}

func newConnManager(cfg Config, transport Transport) *ConnManager {
	return &ConnManager{
		url:         cfg.URL,
		dialTimeout: cfg.DialTimeout,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		maxAttempts: cfg.MaxReconnectAttempts,
		transport:   transport,
		logger:      cfg.Logger,
		state:       StateDisconnected,
	}
}

// OnFrame registers the single inbound frame sink. Must be set before
// Connect.
func (m *ConnManager) OnFrame(fn func([]byte)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnStateChange registers a state listener. Listeners run on the manager's
// goroutines and must not block.
func (m *ConnManager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, fn)
	m.mu.Unlock()
}

// OnReconnected registers a listener fired after every successful reconnect,
// once the connection is usable again.
func (m *ConnManager) OnReconnected(fn func()) {
	m.mu.Lock()
	m.reconnSubs = append(m.reconnSubs, fn)
	m.mu.Unlock()
}

// onTeardown registers a hook run by Disconnect while the transport is still
// writable, before the connection closes.
func (m *ConnManager) onTeardown(fn func()) {
	m.mu.Lock()
	m.teardownFns = append(m.teardownFns, fn)
	m.mu.Unlock()
}

// Connected reports whether the live channel is up.
func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// State returns the current lifecycle state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the terminal failure, if any: ErrAuthFailed after a rejected
// credential, ErrMaxReconnects after the retry budget ran out.
func (m *ConnManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect establishes the transport, authenticating with the credential as a
// connection header. Auth rejection is fatal; any other failure is surfaced
// to the caller and the backoff machine keeps trying in the background.
func (m *ConnManager) Connect(ctx context.Context, credential string) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.closed = false
	m.lastErr = nil
	m.attempts = 0
	m.credential = credential
	fns := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(fns, StateConnecting)

	conn, err := m.dial(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			m.fail(err)
			return err
		}
		m.mu.Lock()
		fns, state := m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(fns, state)
		return fmt.Errorf("connect: %w", err)
	}

	m.install(conn)
	return nil
}

// Disconnect is idempotent: it cancels any pending reconnect, tears down all
// subscriptions, then closes the transport. An explicit disconnect is never
// retried.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	tds := append([]func(){}, m.teardownFns...)
	m.mu.Unlock()

	// Last words while the connection is still up: typing stops and
	// unsubscribes from the teardown hooks.
	for _, td := range tds {
		td()
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	fns := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.notify(fns, StateDisconnected)
}

// Publish sends one frame over the live channel.
func (m *ConnManager) Publish(f Frame) error {
	m.mu.Lock()
	conn := m.conn
	up := m.state == StateConnected && conn != nil
	m.mu.Unlock()
	if !up {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", f.Type, f.Destination, err)
	}
	return nil
}

func (m *ConnManager) dial(ctx context.Context, credential string) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	return m.transport.Dial(dctx, m.url, header)
}

// install wires a freshly dialed connection in and flips to connected.
func (m *ConnManager) install(conn Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	// A concurrent Connect can race a reconnect dial; whichever lands second
	// wins, and the loser's socket must not leak.
	if m.conn != nil && m.conn != conn {
		m.conn.Close()
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.attempts = 0
	wasReconnect := m.everConnected
	m.everConnected = true
	fns := m.setStateLocked(StateConnected)
	rsubs := append([]func(){}, m.reconnSubs...)
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	m.notify(fns, StateConnected)
	if wasReconnect {
		for _, fn := range rsubs {
			fn()
		}
	}
}

func (m *ConnManager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleConnLoss(gen, err)
			return
		}
		m.mu.Lock()
		fn := m.onFrame
		m.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (m *ConnManager) handleConnLoss(gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	fns, state := m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.logger.Warn("bus connection lost", "error", cause)
	m.notify(fns, state)
}

// scheduleReconnectLocked arms the next backoff attempt, or goes terminal
// once the attempt budget is spent. Caller holds mu.
func (m *ConnManager) scheduleReconnectLocked() ([]func(ConnState), ConnState) {
	if m.attempts >= m.maxAttempts {
		m.lastErr = ErrMaxReconnects
		return m.setStateLocked(StateDisconnected), StateDisconnected
	}
	delay := backoffDelay(m.backoffBase, m.backoffCap, m.attempts)
	m.attempts++
	attempt := m.attempts
	m.timer = time.AfterFunc(delay, m.tryReconnect)
	m.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	return m.setStateLocked(StateReconnecting), StateReconnecting
}

func (m *ConnManager) tryReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	cred := m.credential
	m.mu.Unlock()

	conn, err := m.dial(context.Background(), cred)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			m.fail(err)
			return
		}
		m.logger.Warn("reconnect attempt failed", "error", err)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		fns, state := m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(fns, state)
		return
	}

	m.install(conn)
}

// fail records a terminal error and drops to disconnected.
func (m *ConnManager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	fns := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(fns, StateDisconnected)
}

// setStateLocked transitions state and returns the listeners to notify.
// Caller holds mu and must notify after unlocking.
func (m *ConnManager) setStateLocked(s ConnState) []func(ConnState) {
	if m.state == s {
		return nil
	}
	m.state = s
	return append([]func(ConnState){}, m.stateSubs...)
}

func (m *ConnManager) notify(fns []func(ConnState), s ConnState) {
	for _, fn := range fns {
		fn(s)
	}
}

// backoffDelay is min(base * 2^n, cap) for attempt n.
func backoffDelay(base, cap time.Duration, n int) time.Duration {
	if n > 30 {
		return cap
	}
	d := base << uint(n)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
