//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/rfcomm"
)

var errClosed = errors.New("connmgr: closed")

var pathCounter atomic.Uint64

// Transport is a BlueZ-backed rfcomm.Transport.
type Transport struct {
	logger  *zap.Logger
	channel uint8

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	// one client profile per service UUID, registered on first use
	clients map[string]*profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ rfcomm.Transport = (*Transport)(nil)

// New connects to the system bus.
func New(opts Options) (*Transport, error) {
	t := &Transport{
		logger:  opts.Logger,
		channel: opts.Channel,
		clients: make(map[string]*profile),
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.channel == 0 {
		t.channel = DefaultRFCOMMChannel
	}
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	t.bus = bus
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, func() { _ = bus.Close() })
	return t, nil
}

func (t *Transport) activeBus() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	return t.bus, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	ch chan acceptResult

	mu       sync.Mutex
	once     bool // server profiles take a single connection
	accepted bool
}

type acceptResult struct {
	fd  int
	dev Device
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the socket owner closes the FD.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: macFromPath(dev)},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.once && p.accepted {
		// Accept-once: close the FD and reject.
		_ = unix.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	select {
	case p.ch <- res:
		p.accepted = true
		return nil
	default:
		// No receiver; close FD and return a rejection to avoid leaks.
		_ = unix.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

// drain closes FDs delivered after their waiter gave up.
func (p *profile) drain() {
	for {
		select {
		case res := <-p.ch:
			_ = unix.Close(res.fd)
		default:
			return
		}
	}
}

func (t *Transport) exportProfile(role string, p *profile, uuid string, opts map[string]dbus.Variant) (dbus.ObjectPath, error) {
	// Unique object path per profile to avoid collisions.
	id := pathCounter.Add(1)
	path := dbus.ObjectPath("/org/bluetooth_serial/connmgr/" + role + "/p" + strconv.FormatUint(id, 10))
	if err := t.bus.Export(p, path, profileInterfaceName); err != nil {
		return "", fmt.Errorf("connmgr: export %s profile: %w", role, err)
	}
	opts["Role"] = dbus.MakeVariant(role)
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, uuid, opts); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return "", fmt.Errorf("connmgr: RegisterProfile(%s): %w", role, call.Err)
	}
	return path, nil
}

func (t *Transport) unexportProfile(path dbus.ObjectPath) error {
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
	// Unexport the object path (best-effort).
	_ = t.bus.Export(nil, path, profileInterfaceName)
	return err
}

// ResolveDevice looks up a known Device1 by address.
func (t *Transport) ResolveDevice(address string) (rfcomm.Device, error) {
	bus, err := t.activeBus()
	if err != nil {
		return rfcomm.Device{}, err
	}
	objs, err := getManagedObjects(bus)
	if err != nil {
		return rfcomm.Device{}, err
	}
	dev, ok := findDevice(objs, address)
	if !ok {
		return rfcomm.Device{}, fmt.Errorf("connmgr: %s: %w", address, rfcomm.ErrDeviceNotFound)
	}
	name := dev.Alias
	if name == "" {
		name = dev.Name
	}
	return rfcomm.Device{Address: address, Path: dev.Path, Name: name}, nil
}

// CancelDiscovery stops discovery on every adapter. Adapters that are not
// discovering report an error, which is ignored.
func (t *Transport) CancelDiscovery() error {
	bus, err := t.activeBus()
	if err != nil {
		return err
	}
	objs, err := getManagedObjects(bus)
	if err != nil {
		return err
	}
	for _, ap := range adapterPaths(objs) {
		if err := bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			t.logger.Debug("stop discovery", zap.String("adapter", string(ap)), zap.Error(err))
		}
	}
	return nil
}

// OpenOutboundSocket returns an unconnected socket. Its Connect asks BlueZ
// to connect the profile and waits for Profile1.NewConnection.
func (t *Transport) OpenOutboundSocket(dev rfcomm.Device, uuid string) (rfcomm.Socket, error) {
	if dev.Path == "" {
		return nil, errors.New("connmgr: device path required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}

	p, ok := t.clients[uuid]
	if !ok {
		p = &profile{ch: make(chan acceptResult, 1)}
		path, err := t.exportProfile("client", p, uuid, map[string]dbus.Variant{})
		if err != nil {
			return nil, err
		}
		t.clients[uuid] = p
		// Unregister client profile on close.
		t.cleanup = append(t.cleanup, func() { _ = t.unexportProfile(path) })
	}

	bus := t.bus
	return &fdSocket{
		connect: func(ctx context.Context) (int, error) {
			return connectProfile(ctx, bus, p, dev.Path, uuid)
		},
	}, nil
}

func connectProfile(ctx context.Context, bus *dbus.Conn, p *profile, devPath, uuid string) (int, error) {
	p.drain()

	// Ensure paired; if not, attempt Pair() via a pre-registered Agent.
	devObj := bus.Object(bluezService, dbus.ObjectPath(devPath))
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return 0, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, uuid); call.Err != nil {
		return 0, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		case res := <-p.ch:
			if res.dev.Path != devPath {
				_ = unix.Close(res.fd)
				continue
			}
			return res.fd, nil
		}
	}
}

// OpenListeningSocket registers a server profile for serviceName. The
// returned listener accepts exactly one connection.
func (t *Transport) OpenListeningSocket(serviceName, uuid string) (rfcomm.ServerSocket, error) {
	if serviceName == "" {
		return nil, errors.New("connmgr: ServiceName required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}

	p := &profile{ch: make(chan acceptResult, 1), once: true}
	path, err := t.exportProfile("server", p, uuid, map[string]dbus.Variant{
		"Name": dbus.MakeVariant(serviceName),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(t.channel)),
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("server profile registered",
		zap.String("service", serviceName), zap.Uint8("channel", t.channel))
	return &listener{t: t, path: path, prof: p}, nil
}

type listener struct {
	t    *Transport
	path dbus.ObjectPath
	prof *profile

	once sync.Once
	err  error
}

// Accept blocks until a connection is established or ctx is done. The
// returned socket owns the FD.
func (l *listener) Accept(ctx context.Context) (rfcomm.Socket, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-l.prof.ch:
		f, err := newFile(res.fd)
		if err != nil {
			return nil, err
		}
		l.t.logger.Debug("accepted", zap.String("peer", res.dev.MAC))
		return &fdSocket{file: f}, nil
	}
}

// Close unregisters the server profile. Safe to call twice.
func (l *listener) Close() error {
	l.once.Do(func() {
		l.err = l.t.unexportProfile(l.path)
		l.prof.drain()
	})
	return l.err
}

// ScanSPP discovers nearby devices advertising SPP until ctx is done and
// returns a snapshot list. Timing is controlled by the caller's context.
func (t *Transport) ScanSPP(ctx context.Context) ([]Device, error) {
	bus, err := t.activeBus()
	if err != nil {
		return nil, err
	}

	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapterPaths(objs) {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	devMap := sppDevices(objs, rfcomm.SPPUUID)

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := sppDeviceFromIfaces(path, ifaces, rfcomm.SPPUUID); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

// Close is safe for concurrent and redundant calls (idempotent). Sockets
// already handed out stay open; their owners close them.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}
