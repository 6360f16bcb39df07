package rfcomm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default tuning values.
const (
	DefaultAcceptTimeout    = 20 * time.Second
	DefaultServerRetries    = 3
	DefaultClientRetries    = 10
	DefaultClientRetryDelay = 5 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultReadChunkSize    = 1024
	DefaultCancelGrace      = 111 * time.Millisecond
)

// Config tunes the session worker.
type Config struct {
	// AcceptTimeout bounds each accept during server-side reconnection.
	AcceptTimeout time.Duration
	// ServerRetries is the number of listen+accept attempts on reconnection.
	ServerRetries int
	// ClientRetries is the number of outbound connect attempts on reconnection.
	ClientRetries int
	// ClientRetryDelay is the fixed wait between client attempts.
	ClientRetryDelay time.Duration
	// ConnectTimeout bounds each client reconnection attempt. Zero means no
	// bound beyond cancellation.
	ConnectTimeout time.Duration
	// ReadChunkSize is the read buffer size.
	ReadChunkSize int
	// CancelGrace is how long Cancel waits before force-closing the socket.
	CancelGrace time.Duration
	// ServiceUUID is used when Connect gets no UUID, for listening sockets
	// and for every client reconnection attempt.
	ServiceUUID string
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		AcceptTimeout:    DefaultAcceptTimeout,
		ServerRetries:    DefaultServerRetries,
		ClientRetries:    DefaultClientRetries,
		ClientRetryDelay: DefaultClientRetryDelay,
		ConnectTimeout:   DefaultConnectTimeout,
		ReadChunkSize:    DefaultReadChunkSize,
		CancelGrace:      DefaultCancelGrace,
		ServiceUUID:      SPPUUID,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("rfcomm: accept timeout must be positive, got %s", c.AcceptTimeout)
	}
	if c.ServerRetries < 1 {
		return fmt.Errorf("rfcomm: server retries must be at least 1, got %d", c.ServerRetries)
	}
	if c.ClientRetries < 1 {
		return fmt.Errorf("rfcomm: client retries must be at least 1, got %d", c.ClientRetries)
	}
	if c.ClientRetryDelay < 0 {
		return fmt.Errorf("rfcomm: client retry delay must not be negative, got %s", c.ClientRetryDelay)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("rfcomm: connect timeout must not be negative, got %s", c.ConnectTimeout)
	}
	if c.ReadChunkSize < 1 {
		return fmt.Errorf("rfcomm: read chunk size must be positive, got %d", c.ReadChunkSize)
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("rfcomm: cancel grace must not be negative, got %s", c.CancelGrace)
	}
	if _, err := NormalizeUUID(c.ServiceUUID); err != nil {
		return err
	}
	return nil
}

// NormalizeUUID parses s and returns it in canonical lower-case form.
func NormalizeUUID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidServiceUUID, s, err)
	}
	return u.String(), nil
}
