// Package rfcommtest provides an in-memory rfcomm.Transport and an event
// recorder for tests.
package rfcommtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"bluetooth-serial/internal/rfcomm"
)

// ErrClosed is returned by I/O on a closed fake socket.
var ErrClosed = errors.New("rfcommtest: socket closed")

// Socket is a fake rfcomm.Socket. Each Feed call produces exactly one Read.
type Socket struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	closes    int

	connectErr error
	hang       bool

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	flushes  int
}

type readResult struct {
	data []byte
	err  error
}

// NewSocket returns an open socket whose Connect returns connectErr.
func NewSocket(connectErr error) *Socket {
	return &Socket{
		reads:      make(chan readResult, 64),
		closed:     make(chan struct{}),
		connectErr: connectErr,
	}
}

// Feed queues one read that returns data.
func (s *Socket) Feed(data []byte) {
	s.reads <- readResult{data: append([]byte(nil), data...)}
}

// FailRead queues one read that returns err.
func (s *Socket) FailRead(err error) {
	s.reads <- readResult{err: err}
}

// SetWriteError makes subsequent writes fail with err.
func (s *Socket) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Written returns all bytes written so far.
func (s *Socket) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written.Bytes()...)
}

// Flushes returns how many times the output was flushed.
func (s *Socket) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (s *Socket) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Input implements rfcomm.Socket.
func (s *Socket) Input() io.ReadCloser { return input{s} }

// Output implements rfcomm.Socket.
func (s *Socket) Output() rfcomm.OutputStream { return output{s} }

// Connect implements rfcomm.Socket.
func (s *Socket) Connect(ctx context.Context) error {
	if s.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.connectErr
}

// Close implements rfcomm.Socket. Calling it twice is allowed.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type input struct{ s *Socket }

func (in input) Read(p []byte) (int, error) {
	select {
	case <-in.s.closed:
		return 0, ErrClosed
	default:
	}
	select {
	case r := <-in.s.reads:
		if r.err != nil {
			return 0, r.err
		}
		return copy(p, r.data), nil
	case <-in.s.closed:
		return 0, ErrClosed
	}
}

func (in input) Close() error { return in.s.Close() }

type output struct{ s *Socket }

func (out output) Write(p []byte) (int, error) {
	out.s.mu.Lock()
	defer out.s.mu.Unlock()
	if out.s.writeErr != nil {
		return 0, out.s.writeErr
	}
	if out.s.IsClosed() {
		return 0, ErrClosed
	}
	return out.s.written.Write(p)
}

func (out output) Flush() error {
	out.s.mu.Lock()
	defer out.s.mu.Unlock()
	out.s.flushes++
	return nil
}

func (out output) Close() error { return nil }

// ServerSocket is a fake listening socket.
type ServerSocket struct {
	t       *Transport
	closed  chan struct{}
	once    sync.Once
	attempt int
}

// Accept implements rfcomm.ServerSocket using Transport.AcceptFunc.
func (ss *ServerSocket) Accept(ctx context.Context) (rfcomm.Socket, error) {
	sock, err := ss.t.AcceptFunc(ctx, ss.attempt)
	if err != nil {
		return nil, err
	}
	ss.t.mu.Lock()
	ss.t.accepted = append(ss.t.accepted, sock)
	ss.t.mu.Unlock()
	return sock, nil
}

// Close implements rfcomm.ServerSocket.
func (ss *ServerSocket) Close() error {
	ss.once.Do(func() {
		close(ss.closed)
		ss.t.mu.Lock()
		ss.t.listenersClosed++
		ss.t.mu.Unlock()
	})
	return nil
}

// Transport is a scriptable rfcomm.Transport.
type Transport struct {
	// Unknown addresses fail ResolveDevice with rfcomm.ErrDeviceNotFound.
	Unknown map[string]bool
	// ResolveFunc decides the result of the n-th ResolveDevice call
	// (1-based) for known addresses. Nil means every lookup succeeds.
	ResolveFunc func(n int) error
	// ConnectFunc decides the Connect result of the n-th outbound socket
	// (1-based). Nil means every connect succeeds.
	ConnectFunc func(n int) error
	// HangConnect makes Connect on the n-th outbound socket block until its
	// context is done.
	HangConnect func(n int) bool
	// OpenErr makes OpenOutboundSocket fail.
	OpenErr error
	// ListenErr makes OpenListeningSocket fail.
	ListenErr error
	// AcceptFunc serves the n-th listener's Accept (1-based). Nil blocks
	// until ctx is done.
	AcceptFunc func(ctx context.Context, n int) (*Socket, error)

	mu               sync.Mutex
	outbound         []*Socket
	accepted         []*Socket
	listeners        int
	listenersClosed  int
	discoveryCancels int
	resolves         int
	dialTimes        []time.Time
}

// ResolveDevice implements rfcomm.Transport.
func (t *Transport) ResolveDevice(address string) (rfcomm.Device, error) {
	t.mu.Lock()
	t.resolves++
	n := t.resolves
	t.mu.Unlock()

	if t.Unknown[address] {
		return rfcomm.Device{}, rfcomm.ErrDeviceNotFound
	}
	if t.ResolveFunc != nil {
		if err := t.ResolveFunc(n); err != nil {
			return rfcomm.Device{}, err
		}
	}
	return rfcomm.Device{Address: address, Path: "/fake/dev_" + address}, nil
}

// OpenOutboundSocket implements rfcomm.Transport.
func (t *Transport) OpenOutboundSocket(_ rfcomm.Device, _ string) (rfcomm.Socket, error) {
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	t.mu.Lock()
	n := len(t.outbound) + 1
	t.dialTimes = append(t.dialTimes, time.Now())
	t.mu.Unlock()

	var err error
	if t.ConnectFunc != nil {
		err = t.ConnectFunc(n)
	}
	s := NewSocket(err)
	s.hang = t.HangConnect != nil && t.HangConnect(n)
	t.mu.Lock()
	t.outbound = append(t.outbound, s)
	t.mu.Unlock()
	return s, nil
}

// CancelDiscovery implements rfcomm.Transport.
func (t *Transport) CancelDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoveryCancels++
	return nil
}

// OpenListeningSocket implements rfcomm.Transport.
func (t *Transport) OpenListeningSocket(_, _ string) (rfcomm.ServerSocket, error) {
	if t.ListenErr != nil {
		return nil, t.ListenErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners++
	if t.AcceptFunc == nil {
		t.AcceptFunc = func(ctx context.Context, _ int) (*Socket, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return &ServerSocket{t: t, closed: make(chan struct{}), attempt: t.listeners}, nil
}

// Outbound returns every outbound socket opened so far.
func (t *Transport) Outbound() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Socket(nil), t.outbound...)
}

// Accepted returns every socket handed out by Accept.
func (t *Transport) Accepted() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Socket(nil), t.accepted...)
}

// Listeners returns how many listening sockets were opened and closed.
func (t *Transport) Listeners() (opened, closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners, t.listenersClosed
}

// DiscoveryCancels returns how many times CancelDiscovery was called.
func (t *Transport) DiscoveryCancels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discoveryCancels
}

// Resolves returns how many times ResolveDevice was called.
func (t *Transport) Resolves() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolves
}

// DialTimes returns when each outbound socket was opened.
func (t *Transport) DialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.dialTimes...)
}
