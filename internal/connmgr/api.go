// Package connmgr implements rfcomm.Transport on top of BlueZ over D-Bus,
// handing RFCOMM SPP connections to the caller as Unix FDs wrapped in sockets.
//
// Thread-safety: all methods are safe for concurrent use. Close is idempotent;
// after Close every other method returns an error.
package connmgr

import (
	"go.uber.org/zap"
)

// DefaultRFCOMMChannel is the fixed RFCOMM channel for server-side profiles.
const DefaultRFCOMMChannel uint8 = 22

// Device is a discovered peer as shown by ScanSPP.
//
// Path is always set (BlueZ Device1 object path). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // D-Bus object path (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // Bluetooth device address
	Name  string // Device1.Name
	Alias string // Device1.Alias
}

// Options configures a Transport.
type Options struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Channel is the RFCOMM channel for listening profiles; 0 selects
	// DefaultRFCOMMChannel.
	Channel uint8
}
