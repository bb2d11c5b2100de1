package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"sidbridge/internal/logging"
	"sidbridge/internal/usbsid"
)

// usbMonitor listens for udev netlink events so the daemon learns about the
// board being plugged or pulled immediately instead of waiting out the
// reconnect backoff.
type usbMonitor struct {
	identity usbsid.Identity
	logger   *slog.Logger
	onAttach func(detail string)
	onDetach func(detail string)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func newUSBMonitor(identity usbsid.Identity, logger *slog.Logger, onAttach, onDetach func(detail string)) *usbMonitor {
	return &usbMonitor{
		identity: identity,
		logger:   logging.NewComponentLogger(logger, "usb-monitor"),
		onAttach: onAttach,
		onDetach: onDetach,
	}
}

// Start begins listening for udev netlink events. A failure to bind the
// netlink socket is not fatal; reconnection then relies on the backoff timer.
func (m *usbMonitor) Start(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; device replug detection degraded",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "reconnect falls back to the backoff timer"),
		)
		return
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, quit)

	m.logger.Info("usb monitor started",
		logging.String(logging.FieldEventType, "usb_monitor_started"),
		logging.String(logging.FieldDevice, m.identity.String()),
	)
}

// Stop shuts down the netlink monitor.
func (m *usbMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false

	m.logger.Info("usb monitor stopped",
		logging.String(logging.FieldEventType, "usb_monitor_stopped"))
}

// Running reports whether the netlink monitor is active.
func (m *usbMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *usbMonitor) monitorLoop(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
			)
		}
	}
}

// buildMatcher narrows the firehose to whole-device USB add and remove
// events. VID/PID filtering happens in handleEvent because PRODUCT carries
// unpadded hex that rule matching cannot express reliably.
func (m *usbMonitor) buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "usb",
			"DEVTYPE":   "usb_device",
		},
	})
	return rules
}

func (m *usbMonitor) handleEvent(uevent netlink.UEvent) {
	if !m.matchesIdentity(uevent.Env["PRODUCT"]) {
		return
	}
	detail := fmt.Sprintf("%s %s", uevent.Action, uevent.KObj)

	switch uevent.Action {
	case netlink.ADD:
		m.logger.Info("device attached",
			logging.String(logging.FieldEventType, "device_attached"),
			logging.String(logging.FieldDevice, m.identity.String()),
			logging.String("kobj", uevent.KObj))
		if m.onAttach != nil {
			m.onAttach(detail)
		}
	case netlink.REMOVE:
		m.logger.Info("device detached",
			logging.String(logging.FieldEventType, "device_detached"),
			logging.String(logging.FieldDevice, m.identity.String()),
			logging.String("kobj", uevent.KObj))
		if m.onDetach != nil {
			m.onDetach(detail)
		}
	}
}

// matchesIdentity checks a uevent PRODUCT value ("vid/pid/bcd", lowercase
// hex without leading zeros) against the configured identity.
func (m *usbMonitor) matchesIdentity(product string) bool {
	parts := strings.Split(product, "/")
	if len(parts) < 2 {
		return false
	}
	return parts[0] == fmt.Sprintf("%x", m.identity.VendorID) &&
		parts[1] == fmt.Sprintf("%x", m.identity.ProductID)
}
