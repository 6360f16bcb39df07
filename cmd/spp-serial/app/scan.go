//go:build linux

package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"bluetooth-serial/internal/connmgr"
)

func newScanCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices advertising the Serial Port Profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			defer tr.Close()

			devs, err := scan(cmd.Context(), tr, timeout)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devs)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to scan")
	return cmd
}

func scan(ctx context.Context, tr *connmgr.Transport, timeout time.Duration) ([]connmgr.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devs, err := tr.ScanSPP(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return devs, nil
}

// chooseDevice scans and prompts for an index.
func chooseDevice(ctx context.Context, w io.Writer, in *bufio.Reader, tr *connmgr.Transport, timeout time.Duration) (connmgr.Device, error) {
	fmt.Fprintln(w, "Scanning for SPP devices to choose...")
	devs, err := scan(ctx, tr, timeout)
	if err != nil {
		return connmgr.Device{}, err
	}
	printDevices(w, devs)
	if len(devs) == 0 {
		return connmgr.Device{}, fmt.Errorf("no device to connect to")
	}
	fmt.Fprint(w, "Choose index: ")
	idx, err := readIndex(w, in, len(devs))
	if err != nil {
		return connmgr.Device{}, err
	}
	return devs[idx], nil
}
