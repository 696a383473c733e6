// Package realtime keeps the single websocket connection to the chat
// backend: it authenticates each new socket, reconnects with a fixed delay
// up to an attempt ceiling, and fans inbound envelopes out to listeners.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/verastack/chatline/pkg/envelope"
	"github.com/verastack/chatline/pkg/logger"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultReconnectDelay       = 3 * time.Second
	defaultMaxReconnectAttempts = 5
	closeTimeout                = time.Second
)

// State is the connection state.
type State int

const (
	// StateIdle means no socket and no connect in flight.
	StateIdle State = iota
	// StateConnecting means a connect is in flight.
	StateConnecting
	// StateOpen means the socket is open and authenticated.
	StateOpen
	// StateClosed means the socket failed or closed unexpectedly.
	StateClosed
	// StateDisconnected means Disconnect was called.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TokenSource supplies the bearer token sent in the AUTHORIZATION frame.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// ReconnectDelay is the fixed wait before each reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps automatic reconnects. Negative disables them.
	MaxReconnectAttempts int
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: o.ConnectTimeout,
		}
	}
}

// Snapshot is a point-in-time view of the manager, used by health checks.
type Snapshot struct {
	State             State
	ConnectionID      string
	ConnectedAt       time.Time
	ReconnectAttempts int
	ReconnectPending  bool
	Listeners         int
}

// Manager owns at most one live websocket connection.
//
// Construct one per process and hand it to every consumer.
type Manager struct {
	opts       Options
	tokens     TokenSource
	dispatcher *Dispatcher
	log        *slog.Logger

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	connID            string
	connectedAt       time.Time
	generation        uint64 // bumped by every connect, disconnect and close
	reconnectAttempts int
	exhausted         bool
	reconnectTimer    *pendingReconnect
	closed            bool

	// writeMu serializes frame writes on conn.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager in the Idle state.
func NewManager(opts Options, tokens TokenSource) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}

	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	opts.applyDefaults()

	log := logger.Component("realtime")
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:       opts,
		tokens:     tokens,
		dispatcher: NewDispatcher(log),
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Connect opens and authenticates the connection. It is a no-op while a
// connect is in flight or the socket is open. A failed attempt schedules a
// reconnect and returns the failure. Calling Connect after the reconnect
// budget ran out starts a fresh budget.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, external bool) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}

	if external && m.exhausted {
		m.reconnectAttempts = 0
		m.exhausted = false
	}

	m.stopReconnectTimerLocked()
	m.state = StateConnecting
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	token, err := m.tokens.Token(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrNoToken, err)
		m.connectFailed(gen, err)
		return err
	}
	if token == "" {
		m.connectFailed(gen, ErrNoToken)
		return ErrNoToken
	}

	conn, err := m.dial(ctx)
	if err != nil {
		m.connectFailed(gen, err)
		return err
	}

	return m.open(gen, conn, token)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	// Close aborts an in-flight handshake.
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	conn, resp, err := m.opts.Dialer.DialContext(dialCtx, m.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		//nolint:errcheck // Best-effort close of HTTP response body
		defer resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}

		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return conn, nil
}

// open authenticates conn and publishes it as the live socket. The
// AUTHORIZATION frame is written before the state becomes Open, so no
// caller frame can precede it. The write happens outside m.mu; a Disconnect
// that lands meanwhile bumps the generation and the socket is discarded.
func (m *Manager) open(gen uint64, conn *websocket.Conn, token string) error {
	if err := m.writeEnvelope(conn, envelope.NewAuthorization(token)); err != nil {
		//nolint:errcheck,gosec // Best-effort close of a socket we never published
		conn.Close()

		err = fmt.Errorf("failed to send authorization: %w", err)
		m.connectFailed(gen, err)

		return err
	}

	m.mu.Lock()

	if m.closed || m.generation != gen {
		m.mu.Unlock()
		//nolint:errcheck,gosec // Superseded socket, nothing to report
		conn.Close()
		m.log.Debug("Discarding socket opened after disconnect")

		return ErrConnectAborted
	}

	m.conn = conn
	m.connID = uuid.NewString()
	m.connectedAt = time.Now()
	m.state = StateOpen
	m.reconnectAttempts = 0
	m.exhausted = false

	m.wg.Add(1)
	go m.readLoop(gen, conn)

	m.log.Info("WebSocket connected",
		"connection_id", m.connID,
		"url", m.opts.URL,
	)
	m.mu.Unlock()

	return nil
}

// connectFailed records a failed attempt unless it was superseded.
func (m *Manager) connectFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.generation != gen {
		return
	}

	m.log.Error("Error connecting to WebSocket", "error", err)
	m.state = StateClosed
	m.scheduleReconnectLocked()
}

// Disconnect closes the socket if there is one and cancels any pending
// reconnect. Listeners stay registered and the attempt counter is kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	conn := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		m.closeConn(conn, websocket.CloseNormalClosure, "client disconnect")
		m.log.Info("WebSocket disconnected")
	}
}

// Close disconnects permanently and waits for background goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	conn := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.cancel()

	if conn != nil {
		m.closeConn(conn, websocket.CloseGoingAway, "client shutting down")
	}

	m.wg.Wait()

	return nil
}

// detachLocked invalidates the current generation, stops the reconnect
// timer and hands back the socket for closing.
func (m *Manager) detachLocked() *websocket.Conn {
	m.stopReconnectTimerLocked()
	m.generation++

	conn := m.conn
	m.conn = nil
	m.connID = ""

	return conn
}

func (m *Manager) closeConn(conn *websocket.Conn, code int, reason string) {
	m.writeMu.Lock()
	//nolint:errcheck,gosec // Peer may already be gone
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeTimeout),
	)
	m.writeMu.Unlock()

	//nolint:errcheck,gosec // Close is best-effort
	conn.Close()
}

// SendMessage writes env as one JSON text frame. When the socket is not
// open it reports ErrNotConnected and kicks the reconnect path; nothing is
// buffered.
func (m *Manager) SendMessage(env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	if m.state != StateOpen || m.conn == nil {
		state := m.state
		if state != StateConnecting {
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()

		m.log.Error("WebSocket is not connected",
			"type", env.Type,
			"state", state.String(),
		)

		return ErrNotConnected
	}

	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	//nolint:errcheck,gosec // Deadline errors surface on the write below
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	return nil
}

// writeEnvelope is used for the authorization frame, before conn is shared.
func (m *Manager) writeEnvelope(conn *websocket.Conn, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	//nolint:errcheck,gosec // Deadline errors surface on the write below
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))

	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop parses inbound frames and dispatches them until the socket fails.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	defer m.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, conn, err)
			return
		}

		if messageType != websocket.TextMessage {
			m.log.Debug("Ignoring non-text frame", "message_type", messageType)
			continue
		}

		env, err := envelope.Parse(data)
		if err != nil {
			m.log.Error("Error parsing WebSocket message", "error", err)
			continue
		}

		m.dispatcher.emit(env)
	}
}

// handleClosed reacts to a read failure on the socket of generation gen.
func (m *Manager) handleClosed(gen uint64, conn *websocket.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.generation != gen {
		// Disconnect or Close already took the socket down.
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		m.log.Info("WebSocket closed by server",
			"connection_id", m.connID,
			"code", closeErr.Code,
			"reason", closeErr.Text,
		)
	} else {
		m.log.Error("WebSocket error",
			"connection_id", m.connID,
			"error", err,
		)
	}

	//nolint:errcheck,gosec // Socket already failed
	conn.Close()

	m.conn = nil
	m.connID = ""
	m.state = StateClosed
	m.scheduleReconnectLocked()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the socket is open and authenticated.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Snapshot returns the current state for diagnostics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		State:             m.state,
		ConnectionID:      m.connID,
		ConnectedAt:       m.connectedAt,
		ReconnectAttempts: m.reconnectAttempts,
		ReconnectPending:  m.reconnectTimer != nil,
		Listeners:         m.dispatcher.Len(),
	}
}

// OnMessage registers l for every inbound envelope.
func (m *Manager) OnMessage(l Listener) error {
	return m.dispatcher.OnMessage(l)
}

// OffMessage removes every registration of l.
func (m *Manager) OffMessage(l Listener) {
	m.dispatcher.OffMessage(l)
}

// Subscribe registers fn and returns its unsubscribe function.
func (m *Manager) Subscribe(fn func(*envelope.Envelope)) (unsubscribe func()) {
	return m.dispatcher.Subscribe(fn)
}
