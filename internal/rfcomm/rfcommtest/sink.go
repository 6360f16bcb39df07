package rfcommtest

import (
	"sync"
	"time"
)

// Sink records rfcomm.EventSink calls.
type Sink struct {
	mu           sync.Mutex
	reads        [][]byte
	disconnects  []bool
	disconnected chan struct{}
	once         sync.Once
}

// NewSink returns an empty recorder.
func NewSink() *Sink {
	return &Sink{disconnected: make(chan struct{})}
}

// OnRead implements rfcomm.EventSink.
func (s *Sink) OnRead(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, data)
}

// OnDisconnected implements rfcomm.EventSink.
func (s *Sink) OnDisconnected(byRemote bool) {
	s.mu.Lock()
	s.disconnects = append(s.disconnects, byRemote)
	s.mu.Unlock()
	s.once.Do(func() { close(s.disconnected) })
}

// Reads returns the payload of every OnRead call in order.
func (s *Sink) Reads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.reads...)
}

// Disconnects returns the byRemote argument of every OnDisconnected call.
func (s *Sink) Disconnects() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.disconnects...)
}

// WaitDisconnected waits for the first OnDisconnected call.
func (s *Sink) WaitDisconnected(timeout time.Duration) bool {
	select {
	case <-s.disconnected:
		return true
	case <-time.After(timeout):
		return false
	}
}
