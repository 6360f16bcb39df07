//go:build linux

package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-serial/internal/rfcomm"
)

func newConnectCmd(a *app) *cobra.Command {
	var (
		serviceUUID string
		timeout     time.Duration
		scanTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a device and bridge the session to stdio",
		Long: `Connect opens an outbound RFCOMM session to the device with the given Bluetooth
address. Without an address it scans for SPP devices and asks for one.
If the link drops, the device is redialled with a fixed delay between attempts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			defer tr.Close()

			var address string
			if len(args) == 1 {
				address = args[0]
			} else {
				dev, err := chooseDevice(cmd.Context(), cmd.ErrOrStderr(), a.stdin, tr, scanTimeout)
				if err != nil {
					return err
				}
				address = dev.MAC
			}

			return a.runSession(cmd.Context(), tr, func(ctx context.Context, m *rfcomm.Manager) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				a.logger.Info("connecting", zap.String("address", address), zap.Duration("timeout", timeout))
				if err := m.Connect(ctx, address, serviceUUID); err != nil {
					return err
				}
				a.logger.Info("connected", zap.String("address", address))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serviceUUID, "uuid", "", "Service UUID (default from session.service_uuid)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Initial connect timeout")
	cmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 10*time.Second, "Scan duration when no address is given")
	return cmd
}
