package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"bluetooth-serial/internal/metrics"
)

var errClosing = errors.New("rfcomm: session closing")

// Connection is the worker behind one session. It owns the physical socket
// and its streams; the socket is replaced on every successful reconnection.
//
// The socket and stream pointers are guarded by mu; only the worker replaces
// them. Other goroutines otherwise touch only the closing flag.
type Connection struct {
	transport Transport
	sink      EventSink
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Recorder
	hooks     hooks

	mode        Mode
	address     string // client identity
	serviceName string // server identity

	closing atomic.Bool // monotonic
	state   atomic.Uint32

	// ctx aborts reconnection waits once Cancel is called.
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	socket *ownedSocket
	input  io.ReadCloser
	output OutputStream

	wmu  sync.Mutex
	done chan struct{}
}

// ownedSocket makes Close idempotent. Cancel and the worker both close the
// current socket and may race.
type ownedSocket struct {
	Socket
	once sync.Once
	err  error
}

func (s *ownedSocket) Close() error {
	s.once.Do(func() { s.err = s.Socket.Close() })
	return s.err
}

func newConnection(m *Manager, sock Socket, mode Mode, address, serviceName string) *Connection {
	ctx, stop := context.WithCancel(context.Background())
	logger := m.logger.With(zap.Stringer("mode", mode))
	if mode == ModeClient {
		logger = logger.With(zap.String("address", address))
	} else {
		logger = logger.With(zap.String("service", serviceName))
	}
	c := &Connection{
		transport:   m.transport,
		sink:        m.sink,
		cfg:         m.cfg,
		logger:      logger,
		metrics:     m.metrics,
		hooks:       m.hooks,
		mode:        mode,
		address:     address,
		serviceName: serviceName,
		ctx:         ctx,
		stop:        stop,
		done:        make(chan struct{}),
	}
	c.adopt(sock)
	return c
}

func (c *Connection) start() {
	c.metrics.SessionStarted(c.mode.String())
	c.logger.Info("session started")
	go c.run()
}

// Mode returns the side of the session.
func (c *Connection) Mode() Mode { return c.mode }

// State returns the current worker state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Closing reports whether the session was asked to close or has closed.
func (c *Connection) Closing() bool { return c.closing.Load() }

// Done is closed after OnDisconnected has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) run() {
	defer close(c.done)

	buf := make([]byte, c.cfg.ReadChunkSize)
	for !c.closing.Load() {
		n, err := c.currentInput().Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.metrics.Read(n)
			c.sink.OnRead(data)
		}
		if err == nil {
			continue
		}
		// A forced close from Cancel surfaces here as a read error.
		if c.closing.Load() {
			break
		}
		c.logger.Info("read failed, reconnecting", zap.Error(err))
		if !c.reconnect() {
			break
		}
	}
	c.teardown()
}

// reconnect runs the side-specific algorithm and reports whether the session
// is active again.
func (c *Connection) reconnect() bool {
	c.setState(StateReconnecting)

	var (
		sock Socket
		err  error
	)
	if c.mode == ModeServer {
		sock, err = c.reaccept()
	} else {
		sock, err = c.redial()
	}
	if err != nil {
		if !errors.Is(err, errClosing) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reconnection exhausted", zap.Error(err))
		}
		return false
	}
	// Cancel preempts a reconnection that completed after it was requested.
	if c.closing.Load() {
		_ = sock.Close()
		c.logger.Info("discarding socket reconnected after cancel")
		return false
	}

	old := c.adopt(sock)
	if old != nil {
		_ = old.Close()
	}
	c.setState(StateActive)
	c.logger.Info("reconnected")
	return true
}

// reaccept re-opens an accept-once listener up to ServerRetries times.
func (c *Connection) reaccept() (Socket, error) {
	attempt := 0
	op := func() (Socket, error) {
		if c.closing.Load() {
			return nil, backoff.Permanent(errClosing)
		}
		attempt++
		sock, err := acceptOnce(c.ctx, c.transport, c.serviceName, c.cfg.ServiceUUID, c.cfg.AcceptTimeout)
		c.metrics.ReconnectAttempt(c.mode.String(), err == nil)
		if err != nil {
			c.logger.Debug("accept attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return sock, nil
	}
	return backoff.Retry(c.ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(c.cfg.ServerRetries)), // #nosec G115 -- validated positive
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(c.notifyRetry),
	)
}

// redial connects to the original address up to ClientRetries times with a
// fixed delay between attempts. The device is looked up on every attempt;
// BlueZ drops temporary device objects after a disconnect.
func (c *Connection) redial() (Socket, error) {
	attempt := 0
	op := func() (Socket, error) {
		if c.closing.Load() {
			return nil, backoff.Permanent(errClosing)
		}
		attempt++
		sock, err := c.dialAttempt()
		c.metrics.ReconnectAttempt(c.mode.String(), err == nil)
		if err != nil {
			c.logger.Debug("connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return sock, nil
	}
	return backoff.Retry(c.ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.ClientRetryDelay)),
		backoff.WithMaxTries(uint(c.cfg.ClientRetries)), // #nosec G115 -- validated positive
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(c.notifyRetry),
	)
}

// dialAttempt resolves the device and dials it once, bounded by ConnectTimeout.
func (c *Connection) dialAttempt() (Socket, error) {
	dev, err := c.transport.ResolveDevice(c.address)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	ctx := c.ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	return dialOnce(ctx, c.transport, dev, c.cfg.ServiceUUID)
}

func (c *Connection) notifyRetry(err error, delay time.Duration) {
	c.logger.Debug("retrying", zap.Duration("delay", delay), zap.Error(err))
	c.metrics.ReconnectDelay(c.mode.String(), delay.Seconds())
	if c.hooks.retry != nil {
		c.hooks.retry(c.mode, err, delay)
	}
}

// adopt installs sock and its streams and returns the previous socket.
func (c *Connection) adopt(sock Socket) *ownedSocket {
	owned, ok := sock.(*ownedSocket)
	if !ok {
		owned = &ownedSocket{Socket: sock}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.socket
	c.socket = owned
	c.input = owned.Input()
	c.output = owned.Output()
	return old
}

func (c *Connection) currentInput() io.ReadCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Write sends p to the current output. It is best-effort: a failure is
// logged, counted and passed to the write-error hook, never returned.
func (c *Connection) Write(p []byte) {
	c.mu.Lock()
	out := c.output
	c.mu.Unlock()

	c.wmu.Lock()
	n, err := out.Write(p)
	c.wmu.Unlock()

	c.metrics.Written(n)
	if err != nil {
		c.metrics.WriteError()
		c.logger.Debug("write dropped", zap.Int("len", len(p)), zap.Error(err))
		if c.hooks.writeError != nil {
			c.hooks.writeError(err)
		}
	}
}

// Cancel asks the worker to stop. A second call is a no-op.
//
// The worker only observes the closing flag between reads and reconnection
// attempts. A read that is already blocked is released by force-closing the
// socket after a short grace period.
func (c *Connection) Cancel() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	c.stop()

	c.mu.Lock()
	out := c.output
	c.mu.Unlock()
	if out != nil {
		_ = out.Flush()
	}

	if c.cfg.CancelGrace > 0 {
		time.Sleep(c.cfg.CancelGrace)
	}

	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

func (c *Connection) teardown() {
	c.mu.Lock()
	in, out, sock := c.input, c.output, c.socket
	c.mu.Unlock()

	if out != nil {
		_ = out.Flush()
		_ = out.Close()
	}
	if in != nil {
		_ = in.Close()
	}
	if sock != nil {
		_ = sock.Close()
	}
	c.stop()

	byRemote := !c.closing.Swap(true)
	c.setState(StateClosed)
	c.metrics.SessionEnded(byRemote)
	c.logger.Info("session closed", zap.Bool("by_remote", byRemote))
	c.sink.OnDisconnected(byRemote)
}

func (c *Connection) setState(s State) {
	old := State(c.state.Swap(uint32(s)))
	if old == s {
		return
	}
	c.logger.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	if c.hooks.state != nil {
		c.hooks.state(old, s)
	}
}

// dialOnce opens and connects one outbound socket, closing it on failure.
func dialOnce(ctx context.Context, t Transport, dev Device, serviceUUID string) (Socket, error) {
	sock, err := t.OpenOutboundSocket(dev, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocketEstablishmentFailed, err)
	}
	if sock == nil {
		return nil, ErrSocketEstablishmentFailed
	}
	if err := sock.Connect(ctx); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return sock, nil
}

// acceptOnce opens a listener, accepts a single connection and closes the
// listener on every path.
func acceptOnce(ctx context.Context, t Transport, serviceName, serviceUUID string, timeout time.Duration) (Socket, error) {
	ss, err := t.OpenListeningSocket(serviceName, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	if ss == nil {
		return nil, ErrListen
	}
	defer func() { _ = ss.Close() }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	sock, err := ss.Accept(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAcceptTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrAcceptTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrAccept, err)
	}
	if sock == nil {
		return nil, ErrAccept
	}
	return sock, nil
}
