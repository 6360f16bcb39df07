package rfcomm_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/rfcomm"
	"bluetooth-serial/internal/rfcomm/rfcommtest"
)

// delayLog collects waits reported between reconnection attempts.
type delayLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *delayLog) notify(_ rfcomm.Mode, _ error, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, d)
}

func (l *delayLog) get() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()

	for _, k := range []int{0, 1, 3, 9} {
		t.Run(fmt.Sprintf("failures=%d", k), func(t *testing.T) {
			t.Parallel()

			// Socket 1 is the initial connect; sockets 2..k+1 fail; k+2 succeeds.
			tr := &rfcommtest.Transport{
				ConnectFunc: func(n int) error {
					if n >= 2 && n <= k+1 {
						return errLinkLost
					}
					return nil
				},
			}
			sink := rfcommtest.NewSink()
			delays := &delayLog{}
			states := &stateLog{}
			m := newManager(t, tr, sink,
				rfcomm.WithRetryNotify(delays.notify),
				rfcomm.WithStateHook(states.hook),
			)

			require.NoError(t, m.Connect(context.Background(), testAddress, ""))
			first := tr.Outbound()[0]
			first.Feed([]byte("before"))
			first.FailRead(errLinkLost)

			require.Eventually(t, func() bool {
				return len(tr.Outbound()) == k+2 && m.State() == rfcomm.StateActive &&
					len(states.states()) == 2
			}, waitFor, tick)

			assert.Len(t, tr.Outbound(), 1+k+1, "initial connect plus K+1 attempts")
			assert.True(t, first.IsClosed(), "old socket closed on adoption")
			for _, s := range tr.Outbound()[1 : k+1] {
				assert.True(t, s.IsClosed(), "failed attempts are closed")
			}
			assert.Equal(t, []rfcomm.State{rfcomm.StateReconnecting, rfcomm.StateActive}, states.states())

			got := delays.get()
			require.Len(t, got, k)
			for _, d := range got {
				assert.Equal(t, testConfig().ClientRetryDelay, d)
			}

			// Reads continue on the new socket in order, and writes go there too.
			fresh := tr.Outbound()[k+1]
			fresh.Feed([]byte("after"))
			require.Eventually(t, func() bool { return len(sink.Reads()) == 2 }, waitFor, tick)
			assert.Equal(t, [][]byte{[]byte("before"), []byte("after")}, sink.Reads())

			require.NoError(t, m.Write([]byte("ping")))
			assert.Equal(t, []byte("ping"), fresh.Written())

			assert.Empty(t, sink.Disconnects())
			assert.True(t, m.IsConnected())
		})
	}
}

func TestClientReconnectWaitsBetweenAttempts(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		ConnectFunc: func(n int) error {
			if n == 2 || n == 3 {
				return errLinkLost
			}
			return nil
		},
	}
	cfg := testConfig()
	cfg.ClientRetryDelay = 20 * time.Millisecond
	m := newManager(t, tr, rfcommtest.NewSink(), rfcomm.WithConfig(cfg))

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	tr.Outbound()[0].FailRead(errLinkLost)

	require.Eventually(t, func() bool {
		return len(tr.Outbound()) == 4 && m.State() == rfcomm.StateActive
	}, waitFor, tick)

	times := tr.DialTimes()
	for i := 2; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), cfg.ClientRetryDelay)
	}
}

func TestClientReconnectExhausted(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		ConnectFunc: func(n int) error {
			if n == 1 {
				return nil
			}
			return errLinkLost
		},
	}
	sink := rfcommtest.NewSink()
	states := &stateLog{}
	m := newManager(t, tr, sink, rfcomm.WithStateHook(states.hook))

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	session := m.Session()
	tr.Outbound()[0].FailRead(errLinkLost)

	require.True(t, sink.WaitDisconnected(waitFor))
	<-session.Done()

	assert.Len(t, tr.Outbound(), 1+rfcomm.DefaultClientRetries)
	assert.Equal(t, []bool{true}, sink.Disconnects())
	assert.Equal(t, []rfcomm.State{rfcomm.StateReconnecting, rfcomm.StateClosed}, states.states())
	assert.False(t, m.IsConnected())
	for _, s := range tr.Outbound() {
		assert.True(t, s.IsClosed())
	}
}

func TestClientReconnectDeviceReappears(t *testing.T) {
	t.Parallel()

	// Lookup 1 is the initial connect; the device is missing for lookups 2 and 3.
	tr := &rfcommtest.Transport{
		ResolveFunc: func(n int) error {
			if n == 2 || n == 3 {
				return rfcomm.ErrDeviceNotFound
			}
			return nil
		},
	}
	sink := rfcommtest.NewSink()
	delays := &delayLog{}
	m := newManager(t, tr, sink, rfcomm.WithRetryNotify(delays.notify))

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	tr.Outbound()[0].FailRead(errLinkLost)

	require.Eventually(t, func() bool {
		return len(tr.Outbound()) == 2 && m.State() == rfcomm.StateActive
	}, waitFor, tick)

	assert.Equal(t, 4, tr.Resolves(), "device is looked up on every attempt")
	assert.Equal(t, []time.Duration{testConfig().ClientRetryDelay, testConfig().ClientRetryDelay}, delays.get())
	assert.Empty(t, sink.Disconnects())
	assert.True(t, m.IsConnected())
}

func TestClientReconnectDeviceGone(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		ResolveFunc: func(n int) error {
			if n >= 2 {
				return rfcomm.ErrDeviceNotFound
			}
			return nil
		},
	}
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink)

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	tr.Outbound()[0].FailRead(errLinkLost)

	require.True(t, sink.WaitDisconnected(waitFor))
	assert.Equal(t, []bool{true}, sink.Disconnects())
	assert.Len(t, tr.Outbound(), 1)
	assert.Equal(t, 1+rfcomm.DefaultClientRetries, tr.Resolves(), "every missing lookup uses an attempt")
}

func TestClientReconnectAttemptTimeout(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		HangConnect: func(n int) bool { return n >= 2 },
	}
	cfg := testConfig()
	cfg.ClientRetries = 2
	cfg.ConnectTimeout = 20 * time.Millisecond
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink, rfcomm.WithConfig(cfg))

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	tr.Outbound()[0].FailRead(errLinkLost)

	require.True(t, sink.WaitDisconnected(waitFor), "a hung connect does not stall the worker")
	assert.Equal(t, []bool{true}, sink.Disconnects())
	require.Len(t, tr.Outbound(), 3)
	for _, s := range tr.Outbound() {
		assert.True(t, s.IsClosed())
	}
}

func TestServerReconnect(t *testing.T) {
	t.Parallel()

	// Listener 1 serves the initial accept, 2 fails, 3 succeeds.
	tr := &rfcommtest.Transport{
		AcceptFunc: func(ctx context.Context, n int) (*rfcommtest.Socket, error) {
			if n == 2 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return rfcommtest.NewSocket(nil), nil
		},
	}
	sink := rfcommtest.NewSink()
	delays := &delayLog{}
	m := newManager(t, tr, sink, rfcomm.WithRetryNotify(delays.notify))

	require.NoError(t, m.ListenForConnections(context.Background(), "svc", time.Second))
	first := tr.Accepted()[0]
	first.FailRead(errLinkLost)

	require.Eventually(t, func() bool {
		return len(tr.Accepted()) == 2 && m.State() == rfcomm.StateActive
	}, waitFor, tick)

	opened, closed := tr.Listeners()
	assert.Equal(t, 3, opened)
	assert.Equal(t, 3, closed, "every listener is accept-once")
	assert.True(t, first.IsClosed())
	assert.Equal(t, []time.Duration{0}, delays.get(), "server attempts are back to back")

	tr.Accepted()[1].Feed([]byte("again"))
	require.Eventually(t, func() bool { return len(sink.Reads()) == 1 }, waitFor, tick)
	assert.Equal(t, []byte("again"), sink.Reads()[0])
	assert.Empty(t, sink.Disconnects())
}

func TestServerReconnectExhausted(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		AcceptFunc: func(ctx context.Context, n int) (*rfcommtest.Socket, error) {
			if n == 1 {
				return rfcommtest.NewSocket(nil), nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink)

	require.NoError(t, m.ListenForConnections(context.Background(), "svc", time.Second))
	tr.Accepted()[0].FailRead(errLinkLost)

	require.True(t, sink.WaitDisconnected(waitFor))
	assert.Equal(t, []bool{true}, sink.Disconnects())

	opened, closed := tr.Listeners()
	assert.Equal(t, 1+rfcomm.DefaultServerRetries, opened)
	assert.Equal(t, opened, closed)
	assert.False(t, m.IsConnected())
}

func TestCancelDuringReconnectWait(t *testing.T) {
	t.Parallel()

	tr := &rfcommtest.Transport{
		ConnectFunc: func(n int) error {
			if n == 1 {
				return nil
			}
			return errLinkLost
		},
	}
	cfg := testConfig()
	cfg.ClientRetryDelay = time.Hour
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink, rfcomm.WithConfig(cfg))

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	tr.Outbound()[0].FailRead(errLinkLost)

	require.Eventually(t, func() bool { return len(tr.Outbound()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return m.State() == rfcomm.StateReconnecting }, waitFor, tick)

	m.Disconnect()
	require.True(t, sink.WaitDisconnected(waitFor), "cancel aborts the retry wait")
	assert.Equal(t, []bool{false}, sink.Disconnects())
	assert.Len(t, tr.Outbound(), 2)
}

func TestCancelPreemptsInFlightReconnect(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	tr := &rfcommtest.Transport{
		ConnectFunc: func(n int) error {
			if n == 2 {
				close(started)
				<-release
			}
			return nil
		},
	}
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink)

	require.NoError(t, m.Connect(context.Background(), testAddress, ""))
	session := m.Session()
	tr.Outbound()[0].FailRead(errLinkLost)

	<-started
	m.Disconnect()
	close(release)

	require.True(t, sink.WaitDisconnected(waitFor))
	<-session.Done()

	assert.Equal(t, []bool{false}, sink.Disconnects())
	require.Len(t, tr.Outbound(), 2)
	assert.True(t, tr.Outbound()[1].IsClosed(), "late socket is discarded")
	assert.False(t, m.IsConnected())
	assert.Equal(t, rfcomm.StateClosed, session.State())
}

func TestCancelDuringServerReaccept(t *testing.T) {
	t.Parallel()

	waiting := make(chan struct{})
	tr := &rfcommtest.Transport{
		AcceptFunc: func(ctx context.Context, n int) (*rfcommtest.Socket, error) {
			if n == 1 {
				return rfcommtest.NewSocket(nil), nil
			}
			close(waiting)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := testConfig()
	cfg.AcceptTimeout = time.Hour
	sink := rfcommtest.NewSink()
	m := newManager(t, tr, sink, rfcomm.WithConfig(cfg))

	require.NoError(t, m.ListenForConnections(context.Background(), "svc", time.Second))
	session := m.Session()
	tr.Accepted()[0].FailRead(errLinkLost)

	<-waiting
	m.Disconnect()

	require.True(t, sink.WaitDisconnected(waitFor), "cancel aborts the pending accept")
	<-session.Done()

	assert.Equal(t, []bool{false}, sink.Disconnects())
	opened, closed := tr.Listeners()
	assert.Equal(t, 2, opened, "no further listen after cancel")
	assert.Equal(t, 2, closed)
	assert.False(t, m.IsConnected())
	assert.Equal(t, rfcomm.StateClosed, session.State())
}
