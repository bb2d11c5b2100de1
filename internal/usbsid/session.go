package usbsid

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sidbridge/internal/logging"
)

// Opener produces a fresh hardware connection. Production wiring uses
// Open with the configured identity; tests inject fakes.
type Opener func() (Chip, error)

// StateListener observes connect/disconnect transitions, primarily so the
// daemon can journal them.
type StateListener func(connected bool, detail string)

// Session owns the single live Chip and the reconnect policy around it.
// All hardware writes go through Do, and only the write scheduler's drain
// goroutine calls Do for ordering-sensitive operations.
type Session struct {
	open         Opener
	logger       *slog.Logger
	initialDelay time.Duration
	maxDelay     time.Duration

	mu        sync.Mutex
	chip      Chip
	connected bool
	listener  StateListener

	kick chan struct{}
}

// NewSession creates a session that opens hardware via open and retries on
// an exponential backoff between initialDelay and maxDelay.
func NewSession(open Opener, initialDelay, maxDelay time.Duration, logger *slog.Logger) *Session {
	return &Session{
		open:         open,
		logger:       logging.NewComponentLogger(logger, "device-session"),
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		kick:         make(chan struct{}, 1),
	}
}

// SetListener registers the state-change observer. Must be called before Run.
func (s *Session) SetListener(listener StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Connected reports whether a live device handle exists right now.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Kick asks the reconnect loop to retry immediately. The udev monitor calls
// this when the board reappears so reconnection does not wait out the
// backoff timer.
func (s *Session) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Do runs fn against the live chip. While disconnected it fails fast with
// ErrDisconnected. A transfer failure inside fn retires the handle and
// wakes the reconnect loop; invalid-argument errors pass through without
// touching the connection.
func (s *Session) Do(fn func(Chip) error) error {
	s.mu.Lock()
	if !s.connected || s.chip == nil {
		s.mu.Unlock()
		return ErrDisconnected
	}
	chip := s.chip
	s.mu.Unlock()

	err := fn(chip)
	if err == nil || errors.Is(err, ErrInvalidArgument) {
		return err
	}

	s.retire(err)
	return err
}

// retire drops the current handle after an I/O failure. Further writes are
// refused until the reconnect loop reopens the board; mid-stream retries
// would desynchronize chip timing.
func (s *Session) retire(cause error) {
	s.mu.Lock()
	chip := s.chip
	wasConnected := s.connected
	s.chip = nil
	s.connected = false
	listener := s.listener
	s.mu.Unlock()

	if chip != nil {
		_ = chip.Close()
	}
	if !wasConnected {
		return
	}

	s.logger.Warn("device retired after transfer failure",
		logging.Error(cause),
		logging.String(logging.FieldEventType, "device_disconnected"),
		logging.String(logging.FieldImpact, "register writes fail until the board is reopened"),
		logging.String(logging.FieldErrorHint, "check the USB cable and kernel log"),
	)
	if listener != nil {
		listener(false, cause.Error())
	}
	s.Kick()
}

// Run drives the reconnect loop until ctx is canceled. While connected it
// sleeps; a Kick after a retire or an unplug wakes it. Open attempts back
// off exponentially, reset to the initial delay by an attach hint.
func (s *Session) Run(ctx context.Context) {
	delay := s.initialDelay
	for {
		if s.Connected() {
			select {
			case <-ctx.Done():
				return
			case <-s.kick:
			}
			continue
		}

		chip, err := s.open()
		if err == nil {
			s.adopt(chip)
			delay = s.initialDelay
			continue
		}

		if errors.Is(err, ErrPermissionDenied) {
			s.logger.Error("device open denied; operator intervention required",
				logging.Error(err),
				logging.String(logging.FieldEventType, "device_permission_denied"),
				logging.String(logging.FieldErrorHint, "run the daemon as root or fix the udev access rules"),
			)
		} else if !errors.Is(err, ErrDeviceAbsent) {
			s.logger.Warn("device open failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "device_open_failed"),
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.kick:
			timer.Stop()
			delay = s.initialDelay
		case <-timer.C:
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}
	}
}

func (s *Session) adopt(chip Chip) {
	s.mu.Lock()
	s.chip = chip
	s.connected = true
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info("device opened",
		logging.String(logging.FieldEventType, "device_opened"),
	)
	if listener != nil {
		listener(true, "")
	}
}

// Close retires any live handle. Used on daemon shutdown after the write
// queue has drained.
func (s *Session) Close() {
	s.mu.Lock()
	chip := s.chip
	s.chip = nil
	s.connected = false
	s.mu.Unlock()

	if chip != nil {
		_ = chip.Close()
	}
}
