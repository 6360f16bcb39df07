// Package rfcomm keeps one logical serial session alive over an RFCOMM socket.
//
// A Manager owns at most one session at a time, either outbound (Client) or
// accept-once inbound (Server). The session is served by a dedicated worker
// goroutine that runs the blocking read loop and, inline, the reconnection
// algorithm when the physical socket fails.
//
// Thread-safety: Manager methods are safe for concurrent use. Connect and
// ListenForConnections are serialised. EventSink callbacks run on the worker
// goroutine; the sink is responsible for any further hand-off.
package rfcomm

import (
	"context"
	"errors"
	"io"
)

// SPPUUID is the Serial Port Profile UUID used when no service UUID is given.
const SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

// Errors returned synchronously by Manager. Causes are wrapped, use errors.Is.
var (
	ErrAlreadyConnected          = errors.New("rfcomm: already connected")
	ErrNotConnected              = errors.New("rfcomm: not connected")
	ErrDeviceNotFound            = errors.New("rfcomm: device not found")
	ErrSocketEstablishmentFailed = errors.New("rfcomm: socket could not be established")
	ErrConnectFailed             = errors.New("rfcomm: connect failed")
	ErrListen                    = errors.New("rfcomm: listening socket could not be established")
	ErrAcceptTimeout             = errors.New("rfcomm: accept timed out")
	ErrAccept                    = errors.New("rfcomm: accept failed")
	ErrInvalidServiceUUID        = errors.New("rfcomm: invalid service uuid")
)

// Device is a resolved remote endpoint.
type Device struct {
	Address string // Bluetooth address as given by the caller
	Path    string // transport-specific handle (e.g. BlueZ object path)
	Name    string // optional
}

// OutputStream is the write side of a Socket.
type OutputStream interface {
	io.Writer
	Flush() error
	Close() error
}

// Socket is one physical RFCOMM connection. Its streams share its lifetime.
type Socket interface {
	Input() io.ReadCloser
	Output() OutputStream
	// Connect blocks until the outbound connection is established.
	// Sockets returned by ServerSocket.Accept are already connected.
	Connect(ctx context.Context) error
	// Close must unblock a pending Read on Input.
	Close() error
}

// ServerSocket is a listening socket. It is used for exactly one Accept and
// then closed.
type ServerSocket interface {
	// Accept waits for one inbound connection until ctx is done.
	Accept(ctx context.Context) (Socket, error)
	Close() error
}

// Transport creates sockets. Implementations live outside this package
// (see internal/connmgr for BlueZ).
type Transport interface {
	// ResolveDevice returns ErrDeviceNotFound (wrapped or bare) when the
	// address cannot be resolved.
	ResolveDevice(address string) (Device, error)
	OpenOutboundSocket(dev Device, serviceUUID string) (Socket, error)
	// CancelDiscovery stops any ongoing device discovery; it may be a no-op.
	CancelDiscovery() error
	OpenListeningSocket(serviceName, serviceUUID string) (ServerSocket, error)
}

// EventSink receives session events on the worker goroutine.
type EventSink interface {
	// OnRead is called once per successful read with exactly the bytes read.
	// The slice is owned by the sink.
	OnRead(data []byte)
	// OnDisconnected is called exactly once per session, after all streams are
	// closed. byRemote is false when the session was closed by Disconnect.
	OnDisconnected(byRemote bool)
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are ignored.
type SinkFuncs struct {
	Read         func(data []byte)
	Disconnected func(byRemote bool)
}

// OnRead implements EventSink.
func (f SinkFuncs) OnRead(data []byte) {
	if f.Read != nil {
		f.Read(data)
	}
}

// OnDisconnected implements EventSink.
func (f SinkFuncs) OnDisconnected(byRemote bool) {
	if f.Disconnected != nil {
		f.Disconnected(byRemote)
	}
}

// Mode is the side of a session.
type Mode uint8

const (
	// ModeClient sessions were established by Connect.
	ModeClient Mode = iota
	// ModeServer sessions were established by ListenForConnections.
	ModeServer
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// State is the worker state.
type State uint8

const (
	// StateActive means the read loop is running.
	StateActive State = iota
	// StateReconnecting is entered on read failure.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
