//go:build linux

// Package app provides the spp-serial command-line application.
package app

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/metrics"
	"bluetooth-serial/internal/observability"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath  string
	debug       bool
	metricsAddr string

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	stdin   *bufio.Reader
}

// NewRootCmd creates the root command for the spp-serial CLI.
func NewRootCmd() *cobra.Command {
	a := &app{stdin: bufio.NewReader(os.Stdin)}

	root := &cobra.Command{
		Use:               "spp-serial",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Keep a Bluetooth serial (SPP) session alive and bridge it to stdio",
		Long: `spp-serial opens one RFCOMM serial session, either by connecting to a remote
device or by accepting a single inbound connection, and pipes it to stdin/stdout.
When the link drops the session is re-established automatically: clients redial
the same device, servers listen again for the peer.`,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (overrides metrics.listen)")

	root.AddCommand(newScanCmd(a), newConnectCmd(a), newListenCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Level = "debug"
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Listen = a.metricsAddr
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.metrics = metrics.New()
	return nil
}

func (a *app) transport() (*connmgr.Transport, error) {
	return connmgr.New(connmgr.Options{Logger: a.logger.Named("connmgr")})
}
