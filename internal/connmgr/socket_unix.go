//go:build unix

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/rfcomm"
)

var (
	errSocketClosed = errors.New("connmgr: socket closed")
	errNotConnected = errors.New("connmgr: socket not connected")
)

// fdSocket wraps an RFCOMM FD. Outbound sockets get their FD from connect.
type fdSocket struct {
	connect func(ctx context.Context) (int, error)

	mu     sync.Mutex
	file   *os.File
	closed bool
}

var _ rfcomm.Socket = (*fdSocket)(nil)

// newFile puts fd in non-blocking mode so the runtime poller owns it; a
// Close then unblocks a pending Read.
func newFile(fd int) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

func (s *fdSocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSocketClosed
	}
	if s.file != nil {
		s.mu.Unlock()
		return nil
	}
	connect := s.connect
	s.mu.Unlock()

	if connect == nil {
		return errNotConnected
	}
	fd, err := connect(ctx)
	if err != nil {
		return err
	}
	f, err := newFile(fd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = f.Close()
		return errSocketClosed
	}
	s.file = f
	return nil
}

func (s *fdSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *fdSocket) current() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errSocketClosed
	}
	if s.file == nil {
		return nil, errNotConnected
	}
	return s.file, nil
}

func (s *fdSocket) Input() io.ReadCloser { return stream{s} }
func (s *fdSocket) Output() rfcomm.OutputStream { return stream{s} }

// stream is both halves of the socket; closing either closes the socket.
type stream struct{ s *fdSocket }

func (st stream) Read(p []byte) (int, error) {
	f, err := st.s.current()
	if err != nil {
		return 0, err
	}
	return f.Read(p)
}

func (st stream) Write(p []byte) (int, error) {
	f, err := st.s.current()
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

// Flush is a no-op: writes go straight to the kernel socket buffer.
func (st stream) Flush() error { return nil }

func (st stream) Close() error { return st.s.Close() }
