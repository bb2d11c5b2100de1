// Command sidbridged is the privileged bridge daemon. It exclusively owns
// the USB board, serves register writes on the data socket, and answers the
// CLI on the control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sidbridge/internal/config"
	"sidbridge/internal/daemon"
	"sidbridge/internal/journal"
	"sidbridge/internal/logging"
)

// Exit codes let the service supervisor distinguish a clean stop from a
// startup collision with another instance.
const (
	exitOK             = 0
	exitFailure        = 1
	exitAlreadyRunning = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return exitFailure
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Printf("ensure directories: %v", err)
		return exitFailure
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.LogFilePath()},
	})
	if err != nil {
		log.Printf("init logger: %v", err)
		return exitFailure
	}

	var store *journal.Store
	if cfg.Journal.Enabled {
		store, err = journal.Open(cfg)
		if err != nil {
			logger.Error("open journal store", logging.Error(err))
			return exitFailure
		}
	}

	d, err := daemon.New(cfg, store, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return exitFailure
	}
	defer d.Close()

	ipcServer, err := bootstrap(ctx, cfg, d, cancel, logger)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
			return exitAlreadyRunning
		}
		logger.Error("daemon start failed", logging.Error(err))
		return exitFailure
	}
	defer ipcServer.Close()

	<-ctx.Done()
	logger.Info("sidbridged shutting down")
	d.Stop()
	return exitOK
}
