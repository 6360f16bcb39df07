//go:build linux

package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/rfcomm"
)

var errRemoteClosed = errors.New("session closed by remote")

// runSession starts a session with start and bridges it to stdio until the
// session ends, stdin hits EOF, or the process is interrupted.
func (a *app) runSession(ctx context.Context, tr *connmgr.Transport, start func(context.Context, *rfcomm.Manager) error) error {
	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	done := make(chan bool, 1)
	sink := rfcomm.SinkFuncs{
		Read: func(data []byte) {
			if _, err := os.Stdout.Write(data); err != nil {
				a.logger.Warn("stdout write", zap.Error(err))
			}
		},
		Disconnected: func(byRemote bool) { done <- byRemote },
	}

	m, err := rfcomm.NewManager(tr, sink,
		rfcomm.WithConfig(a.cfg.Session.RFCOMM()),
		rfcomm.WithLogger(a.logger.Named("rfcomm")),
		rfcomm.WithMetrics(a.metrics),
		rfcomm.WithWriteErrorHandler(func(err error) {
			a.logger.Warn("write dropped", zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.Listen; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, a.logger, addr, a.metrics.Handler()) })
	}

	if err := start(ctx, m); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	// stdin cannot be interrupted, so the pump is not part of the group.
	go func() {
		if err := pump(a.stdin, m, a.cfg.Session.ReadChunkSize); err != nil && !errors.Is(err, rfcomm.ErrNotConnected) {
			a.logger.Warn("stdin", zap.Error(err))
		}
		m.Disconnect()
	}()

	g.Go(func() error {
		defer cancel()
		select {
		case byRemote := <-done:
			if byRemote {
				return errRemoteClosed
			}
			return nil
		case <-gctx.Done():
			m.Disconnect()
			<-done
			return nil
		}
	})
	return g.Wait()
}
