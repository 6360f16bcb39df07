//go:build linux

package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-serial/internal/rfcomm"
)

func newListenCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "listen <service-name>",
		Short: "Accept one inbound connection and bridge the session to stdio",
		Long: `Listen registers an SPP service record, accepts exactly one connection and then
stops listening. If the link drops, the service is registered again and the peer
gets a bounded number of chances to come back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport()
			if err != nil {
				return err
			}
			defer tr.Close()

			service := args[0]
			return a.runSession(cmd.Context(), tr, func(ctx context.Context, m *rfcomm.Manager) error {
				a.logger.Info("waiting for connection", zap.String("service", service), zap.Duration("timeout", timeout))
				if err := m.ListenForConnections(ctx, service, timeout); err != nil {
					return err
				}
				a.logger.Info("accepted", zap.String("service", service))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Accept timeout (0 waits until interrupted)")
	return cmd
}
