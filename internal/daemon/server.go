package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"sidbridge/internal/journal"
	"sidbridge/internal/logging"
	"sidbridge/internal/protocol"
	"sidbridge/internal/scheduler"
	"sidbridge/internal/usbsid"
)

// maxBufferedWrites caps a session's pending cycle-tagged batch. The player
// flushes once per frame, far below this; hitting the cap means a client
// forgot to flush.
const maxBufferedWrites = 1024

// Server owns the data socket clients play through. One connection at a time
// holds write authority; later connections may only probe.
type Server struct {
	socketPath string
	session    *usbsid.Session
	sched      *scheduler.Scheduler
	store      *journal.Store
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	activeID string
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a data socket server. store may be nil when journaling
// is disabled.
func NewServer(socketPath string, session *usbsid.Session, sched *scheduler.Scheduler, store *journal.Store, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		session:    session,
		sched:      sched,
		store:      store,
		logger:     logging.NewComponentLogger(logger, "session-server"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen removes any stale socket left by a previous run and binds a fresh
// one, world-writable so the unprivileged player can connect.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until the listener closes or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	for {
		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener == nil {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("accept failed", logging.Error(err))
				}
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// CloseListener stops accepting new connections. Existing connections keep
// running until Shutdown.
func (s *Server) CloseListener() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
}

// Shutdown closes every live connection, waits for their handlers, and
// removes the socket file.
func (s *Server) Shutdown() {
	s.CloseListener()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
}

// ActiveSessionID returns the identifier of the connection holding write
// authority, or empty when the bridge is idle.
func (s *Server) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// claim attempts to take write authority for sessionID. Returns true when
// this session is now the active one.
func (s *Server) claim(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		return false
	}
	s.activeID = sessionID
	return true
}

func (s *Server) release(sessionID string) {
	s.mu.Lock()
	if s.activeID == sessionID {
		s.activeID = ""
	}
	s.mu.Unlock()
}

func (s *Server) deviceState() uint8 {
	if s.session.Connected() {
		return protocol.DeviceStateReady
	}
	return protocol.DeviceStateAbsent
}

// connState is the per-connection handler state: identity, authority, and
// the pending cycle-tagged batch.
type connState struct {
	id       string
	active   bool
	buffered []usbsid.CycledWrite
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	state := &connState{id: uuid.NewString()}
	logger := s.logger.With(logging.String(logging.FieldSessionID, state.id))

	if !s.handshake(conn, state, logger) {
		return
	}
	defer s.teardown(state, logger)

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read ended", logging.Error(err))
			}
			return
		}
		response, closeAfter := s.dispatch(state, frame, logger)
		if err := protocol.WriteFrame(conn, response); err != nil {
			logger.Debug("connection write ended", logging.Error(err))
			return
		}
		if closeAfter {
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn, state *connState, logger *slog.Logger) bool {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return false
	}
	if frame.Code != protocol.OpHello {
		_ = protocol.WriteFrame(conn, protocol.NewStatusDetail(protocol.StatusProtocolError, "expected hello"))
		s.journalEvent(state.id, journal.KindProtocolError, "first frame was not hello")
		return false
	}
	version, err := protocol.ParseHello(frame.Payload)
	if err != nil {
		_ = protocol.WriteFrame(conn, protocol.NewStatusDetail(protocol.StatusProtocolError, err.Error()))
		s.journalEvent(state.id, journal.KindProtocolError, err.Error())
		return false
	}
	if version != protocol.Version {
		logger.Warn("client speaks unsupported protocol version",
			logging.Int("client_version", int(version)),
			logging.Int("daemon_version", int(protocol.Version)))
		_ = protocol.WriteFrame(conn, protocol.NewStatus(protocol.StatusIncompatibleVersion))
		return false
	}

	state.active = s.claim(state.id)
	authority := uint8(0)
	if state.active {
		authority = 1
	}
	if err := protocol.WriteFrame(conn, protocol.NewHelloOK(s.deviceState(), authority)); err != nil {
		if state.active {
			s.release(state.id)
			state.active = false
		}
		return false
	}

	if state.active {
		logger.Info("session opened",
			logging.String(logging.FieldEventType, "session_opened"))
		s.journalEvent(state.id, journal.KindSessionOpen, "")
	} else {
		logger.Info("passive connection accepted while session active",
			logging.String(logging.FieldEventType, "session_passive"))
	}
	return true
}

// teardown runs when a connection ends for any reason. For the active
// session it discards queued writes and silences the chip so a dead client's
// last note does not sustain forever.
func (s *Server) teardown(state *connState, logger *slog.Logger) {
	if !state.active {
		return
	}
	s.sched.DiscardPending()
	// The silence command goes through the scheduler so it serializes behind
	// any write the drain goroutine already has in flight.
	if s.session.Connected() {
		_ = s.sched.Do("session-silence", func(chip usbsid.Chip) error {
			_ = chip.Mute()
			return chip.Reset()
		})
	}
	s.release(state.id)
	logger.Info("session closed",
		logging.String(logging.FieldEventType, "session_closed"))
	s.journalEvent(state.id, journal.KindSessionClose, "")
}

// dispatch executes one request frame and returns the response plus whether
// the connection should close afterwards.
func (s *Server) dispatch(state *connState, frame protocol.Frame, logger *slog.Logger) (protocol.Frame, bool) {
	// Ping and a repeated hello never require write authority.
	switch frame.Code {
	case protocol.OpPing:
		return protocol.NewPingOK(s.deviceState()), false
	case protocol.OpHello:
		return protocol.NewStatusDetail(protocol.StatusProtocolError, "duplicate hello"), true
	}

	if !state.active {
		return protocol.NewStatus(protocol.StatusDeviceBusy), false
	}

	switch frame.Code {
	case protocol.OpWrite:
		register, value, err := protocol.ParseWrite(frame.Payload)
		if err != nil {
			return s.protocolError(state, err, logger)
		}
		return s.hardware(state, "write", func(chip usbsid.Chip) error {
			return chip.WriteRegister(register, value)
		}), false

	case protocol.OpBufferedWrite:
		register, value, cycles, err := protocol.ParseBufferedWrite(frame.Payload)
		if err != nil {
			return s.protocolError(state, err, logger)
		}
		if !usbsid.ValidRegister(register) {
			return protocol.NewStatusDetail(protocol.StatusInvalidArgument, "register out of range"), false
		}
		if len(state.buffered) >= maxBufferedWrites {
			return protocol.NewStatusDetail(protocol.StatusQueueFull, "buffered write batch full"), false
		}
		state.buffered = append(state.buffered, usbsid.CycledWrite{
			Register: register,
			Value:    value,
			Cycles:   cycles,
		})
		return protocol.NewStatus(protocol.StatusOK), false

	case protocol.OpFlush:
		return s.flush(state), false

	case protocol.OpReset:
		state.buffered = state.buffered[:0]
		return s.hardware(state, "reset", func(chip usbsid.Chip) error {
			return chip.Reset()
		}), false

	case protocol.OpMute:
		return s.hardware(state, "mute", func(chip usbsid.Chip) error {
			return chip.Mute()
		}), false

	case protocol.OpSetClock:
		pal, err := protocol.ParseSetClock(frame.Payload)
		if err != nil {
			return s.protocolError(state, err, logger)
		}
		return s.hardware(state, "set-clock", func(chip usbsid.Chip) error {
			return chip.SetClock(pal)
		}), false

	case protocol.OpSetStereo:
		mode, err := protocol.ParseSetStereo(frame.Payload)
		if err != nil {
			return s.protocolError(state, err, logger)
		}
		return s.hardware(state, "set-stereo", func(chip usbsid.Chip) error {
			return chip.SetStereo(mode)
		}), false

	case protocol.OpShutdown:
		// Flush what the client already staged, then quiet the chip. The
		// deferred teardown handles mute/reset and authority release.
		if len(state.buffered) > 0 {
			s.flush(state)
		}
		return protocol.NewStatus(protocol.StatusOK), true

	default:
		logger.Warn("unknown opcode",
			logging.String(logging.FieldEventType, "protocol_error"),
			logging.Int("opcode", int(frame.Code)))
		s.journalEvent(state.id, journal.KindProtocolError, fmt.Sprintf("unknown opcode 0x%02x", frame.Code))
		return protocol.NewStatusDetail(protocol.StatusProtocolError, "unknown opcode"), true
	}
}

func (s *Server) flush(state *connState) protocol.Frame {
	if len(state.buffered) == 0 {
		return protocol.NewStatus(protocol.StatusOK)
	}
	batch := make([]usbsid.CycledWrite, len(state.buffered))
	copy(batch, state.buffered)
	state.buffered = state.buffered[:0]
	return s.hardware(state, "flush", func(chip usbsid.Chip) error {
		return chip.CycledWrites(batch)
	})
}

func (s *Server) hardware(state *connState, name string, apply func(usbsid.Chip) error) protocol.Frame {
	err := s.sched.Do(name, apply)
	if err == nil {
		return protocol.NewStatus(protocol.StatusOK)
	}
	status := statusForError(err)
	if status == protocol.StatusQueueFull {
		s.journalEvent(state.id, journal.KindWriteRejected, name)
	}
	return protocol.NewStatusDetail(status, err.Error())
}

func (s *Server) protocolError(state *connState, err error, logger *slog.Logger) (protocol.Frame, bool) {
	logger.Warn("malformed request",
		logging.String(logging.FieldEventType, "protocol_error"),
		logging.Error(err))
	s.journalEvent(state.id, journal.KindProtocolError, err.Error())
	return protocol.NewStatusDetail(protocol.StatusProtocolError, err.Error()), true
}

func (s *Server) journalEvent(sessionID, kind, detail string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, sessionID, kind, detail); err != nil {
		s.logger.Warn("journal append failed", logging.Error(err), logging.String("kind", kind))
	}
}

// statusForError maps scheduler and device errors onto wire statuses.
func statusForError(err error) uint8 {
	switch {
	case errors.Is(err, scheduler.ErrNoDevice),
		errors.Is(err, usbsid.ErrDisconnected),
		errors.Is(err, usbsid.ErrDeviceAbsent):
		return protocol.StatusDeviceAbsent
	case errors.Is(err, scheduler.ErrQueueFull):
		return protocol.StatusQueueFull
	case errors.Is(err, usbsid.ErrInvalidArgument):
		return protocol.StatusInvalidArgument
	case errors.Is(err, usbsid.ErrPermissionDenied):
		return protocol.StatusPermissionDenied
	case errors.Is(err, usbsid.ErrDeviceBusy):
		return protocol.StatusDeviceBusy
	default:
		return protocol.StatusIoFailure
	}
}
