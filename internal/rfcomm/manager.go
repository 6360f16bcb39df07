package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bluetooth-serial/internal/metrics"
)

// Manager owns at most one live session.
type Manager struct {
	transport Transport
	sink      EventSink
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Recorder
	hooks     hooks

	// opMu serialises Connect and ListenForConnections.
	opMu sync.Mutex

	mu   sync.Mutex
	conn *Connection
}

type hooks struct {
	writeError func(error)
	state      func(old, new State)
	retry      func(mode Mode, err error, delay time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the default tuning. Invalid values make NewManager fail.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records session metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithWriteErrorHandler observes write failures. Write still reports success.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(m *Manager) { m.hooks.writeError = fn }
}

// WithStateHook observes worker state transitions. It runs on the worker goroutine.
func WithStateHook(fn func(old, new State)) Option {
	return func(m *Manager) { m.hooks.state = fn }
}

// WithRetryNotify is called before each wait between reconnection attempts.
func WithRetryNotify(fn func(mode Mode, err error, delay time.Duration)) Option {
	return func(m *Manager) { m.hooks.retry = fn }
}

// NewManager returns a Manager using transport for sockets and delivering
// events to sink.
func NewManager(transport Transport, sink EventSink, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("rfcomm: transport required")
	}
	if sink == nil {
		return nil, errors.New("rfcomm: event sink required")
	}
	m := &Manager{
		transport: transport,
		sink:      sink,
		cfg:       DefaultConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	uuid, _ := NormalizeUUID(m.cfg.ServiceUUID)
	m.cfg.ServiceUUID = uuid
	return m, nil
}

// Connect establishes an outbound session to address. An empty serviceUUID
// selects the configured default. Connect returns once the worker has
// started, and blocks the caller for the initial connect.
func (m *Manager) Connect(ctx context.Context, address, serviceUUID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.IsConnected() {
		return ErrAlreadyConnected
	}
	if serviceUUID == "" {
		serviceUUID = m.cfg.ServiceUUID
	}
	serviceUUID, err := NormalizeUUID(serviceUUID)
	if err != nil {
		return err
	}

	dev, err := m.transport.ResolveDevice(address)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, address, err)
	}

	// Discovery slows down connection setup; cancel it even if we did not start it.
	if err := m.transport.CancelDiscovery(); err != nil {
		m.logger.Debug("cancel discovery", zap.Error(err))
	}

	sock, err := dialOnce(ctx, m.transport, dev, serviceUUID)
	if err != nil {
		return err
	}

	m.start(newConnection(m, sock, ModeClient, address, ""))
	return nil
}

// ListenForConnections waits for exactly one inbound connection on
// serviceName and starts a server session with it. The listening socket is
// closed right after accept. timeout <= 0 waits until ctx is done.
func (m *Manager) ListenForConnections(ctx context.Context, serviceName string, timeout time.Duration) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.IsConnected() {
		return ErrAlreadyConnected
	}
	if serviceName == "" {
		return fmt.Errorf("%w: service name required", ErrListen)
	}

	sock, err := acceptOnce(ctx, m.transport, serviceName, m.cfg.ServiceUUID, timeout)
	if err != nil {
		return err
	}

	m.start(newConnection(m, sock, ModeServer, "", serviceName))
	return nil
}

func (m *Manager) start(c *Connection) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
	c.start()
}

// Disconnect cancels the current session, if any. Teardown completes on the
// worker goroutine; OnDisconnected(false) follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c == nil || c.Closing() {
		return
	}

	c.Cancel()
}

// Write forwards p to the session. Delivery is best-effort: transport write
// failures are not reported here (see WithWriteErrorHandler).
func (m *Manager) Write(p []byte) error {
	c := m.live()
	if c == nil {
		return ErrNotConnected
	}
	c.Write(p)
	return nil
}

// IsConnected reports whether a session exists and is not closing.
func (m *Manager) IsConnected() bool {
	return m.live() != nil
}

// State returns the state of the current session, StateClosed without one.
func (m *Manager) State() State {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return StateClosed
	}
	return c.State()
}

// Session returns the live session, or nil once it is closing.
func (m *Manager) Session() *Connection {
	return m.live()
}

func (m *Manager) live() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.conn.Closing() {
		return nil
	}
	return m.conn
}
