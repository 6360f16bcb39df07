//go:build linux

// spp-serial bridges stdin/stdout to a Bluetooth RFCOMM serial session and
// keeps it alive across link drops (Linux only).
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - Most environments require sudo for RegisterProfile.
//
// Usage
//
//	spp-serial scan --timeout 15s
//	spp-serial connect 00:11:22:33:44:55
//	spp-serial connect               (scan, then choose an index)
//	spp-serial listen MySerialService --timeout 2m
//
// Bytes read from the peer go to stdout, stdin is written to the peer, logs
// go to stderr. Ctrl-C or EOF on stdin disconnects. Settings are read from
// ./spp-serial.yaml or --config; see internal/config.
package main

import (
	"context"
	"os"

	"bluetooth-serial/cmd/spp-serial/app"
)

func main() {
	if err := app.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
