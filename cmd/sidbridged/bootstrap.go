package main

import (
	"context"
	"log/slog"

	"sidbridge/internal/config"
	"sidbridge/internal/daemon"
	"sidbridge/internal/ipc"
)

// bootstrap brings the daemon up in supervisor-safe order: Start acquires
// the single-instance lock before any socket is touched, so a refused second
// start leaves the running instance's endpoints intact.
func bootstrap(ctx context.Context, cfg *config.Config, d *daemon.Daemon, requestStop func(), logger *slog.Logger) (*ipc.Server, error) {
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	ipcServer, err := ipc.NewServer(ctx, cfg.ControlSocketPath(), d, requestStop, logger)
	if err != nil {
		d.Stop()
		return nil, err
	}
	ipcServer.Serve()
	return ipcServer, nil
}
