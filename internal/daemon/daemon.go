package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"sidbridge/internal/config"
	"sidbridge/internal/journal"
	"sidbridge/internal/logging"
	"sidbridge/internal/scheduler"
	"sidbridge/internal/usbsid"
)

// ErrAlreadyRunning is returned by Start when another daemon instance holds
// the lock file.
var ErrAlreadyRunning = errors.New("another sidbridge daemon instance is already running")

// Daemon coordinates the device session, write scheduler, data socket server
// and udev monitor, and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *journal.Store
	session *usbsid.Session
	sched   *scheduler.Scheduler
	server  *Server
	monitor *usbMonitor

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	hadDevice atomic.Bool
	appends   atomic.Uint64
	ctx       context.Context
	cancel    context.CancelFunc
}

// pruneEvery bounds how many journal appends may pass between retention
// prunes while the daemon runs.
const pruneEvery = 256

// Status represents daemon runtime information.
type Status struct {
	Running         bool
	DeviceConnected bool
	ActiveSessionID string
	QueuedWrites    int
	DataSocketPath  string
	JournalPath     string
	LockFilePath    string
}

// New constructs a daemon with initialized dependencies. store may be nil
// when journaling is disabled.
func New(cfg *config.Config, store *journal.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	identity := usbsid.Identity{
		VendorID:  cfg.VendorID(),
		ProductID: cfg.ProductID(),
		Serial:    cfg.Device.Serial,
	}
	options := usbsid.Options{
		Identity:    identity,
		Interface:   cfg.Device.Interface,
		EndpointOut: cfg.Device.EndpointOut,
		IOTimeout:   time.Duration(cfg.Device.IOTimeout) * time.Millisecond,
	}

	session := usbsid.NewSession(
		func() (usbsid.Chip, error) {
			dev, err := usbsid.Open(options)
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
		time.Duration(cfg.Reconnect.InitialDelay)*time.Millisecond,
		time.Duration(cfg.Reconnect.MaxDelay)*time.Millisecond,
		logger,
	)
	sched := scheduler.New(session, cfg.Bridge.QueueDepth, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		session:  session,
		sched:    sched,
		lockPath: cfg.LockFilePath(),
		lock:     flock.New(cfg.LockFilePath()),
	}
	d.server = NewServer(cfg.Bridge.SocketPath, session, sched, store, logger)
	d.monitor = newUSBMonitor(identity, logger, d.onDeviceAttach, d.onDeviceDetach)

	session.SetListener(d.onSessionState)
	return d, nil
}

// Start acquires the instance lock, binds the data socket, and launches the
// device session, scheduler and udev monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	if err := d.server.Listen(); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("bind data socket: %w", err)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	go d.session.Run(d.ctx)
	go d.sched.Run(d.ctx)
	go d.server.Serve(d.ctx)
	d.monitor.Start(d.ctx)

	d.running.Store(true)
	d.journalEvent("", journal.KindDaemonStart, "")
	d.pruneJournal()
	d.logger.Info("sidbridge daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("socket", d.cfg.Bridge.SocketPath),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts the daemon down in order: stop accepting clients, give queued
// writes a grace window to land, silence the chip, then release everything.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.monitor.Stop()
	d.server.CloseListener()

	grace := time.Duration(d.cfg.Bridge.ShutdownGrace) * time.Second
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	if err := d.sched.Drain(drainCtx); err != nil {
		d.logger.Warn("write queue not fully drained before shutdown",
			logging.Error(err),
			logging.Int("pending", d.sched.Pending()))
	}
	cancel()

	// Quiet the chip before dropping the handle so a killed daemon never
	// leaves a note sounding.
	if d.session.Connected() {
		_ = d.session.Do(func(chip usbsid.Chip) error {
			_ = chip.Mute()
			return chip.Reset()
		})
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.server.Shutdown()
	d.session.Close()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.journalEvent("", journal.KindDaemonStop, "")
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("sidbridge daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and closes the journal store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:         d.running.Load(),
		DeviceConnected: d.session.Connected(),
		ActiveSessionID: d.server.ActiveSessionID(),
		QueuedWrites:    d.sched.Pending(),
		DataSocketPath:  d.cfg.Bridge.SocketPath,
		JournalPath:     d.cfg.JournalPath(),
		LockFilePath:    d.lockPath,
	}
}

// RecentEvents returns the newest journal rows, or nil when journaling is
// disabled.
func (d *Daemon) RecentEvents(ctx context.Context, limit int) ([]journal.Event, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.Recent(ctx, limit)
}

// DeviceConnected reports whether the chip is currently usable.
func (d *Daemon) DeviceConnected() bool {
	return d.session.Connected()
}

func (d *Daemon) onDeviceAttach(detail string) {
	d.journalEvent("", journal.KindDeviceAttach, detail)
	d.session.Kick()
}

func (d *Daemon) onDeviceDetach(detail string) {
	d.journalEvent("", journal.KindDeviceDetach, detail)
}

func (d *Daemon) onSessionState(connected bool, detail string) {
	if connected {
		// A reopen after an earlier handle is a recovery, not a first open.
		if d.hadDevice.Swap(true) {
			d.journalEvent("", journal.KindDeviceRecovery, detail)
		} else {
			d.journalEvent("", journal.KindDeviceOpen, detail)
		}
	} else {
		d.journalEvent("", journal.KindDeviceClose, detail)
	}
}

func (d *Daemon) journalEvent(sessionID, kind, detail string) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.Append(ctx, sessionID, kind, detail); err != nil {
		d.logger.Warn("journal append failed",
			logging.Error(err),
			logging.String("kind", kind))
		return
	}
	if d.appends.Add(1)%pruneEvery == 0 {
		d.pruneJournal()
	}
}

// pruneJournal enforces the configured retention. Runs at startup and every
// pruneEvery appends so the root-owned database cannot grow without bound.
func (d *Daemon) pruneJournal() {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	removed, err := d.store.Prune(ctx)
	if err != nil {
		d.logger.Warn("journal prune failed", logging.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Debug("journal pruned", logging.Int("removed", int(removed)))
	}
}
