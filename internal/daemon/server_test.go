package daemon_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sidbridge/internal/daemon"
	"sidbridge/internal/logging"
	"sidbridge/internal/protocol"
	"sidbridge/internal/scheduler"
	"sidbridge/internal/testsupport"
	"sidbridge/internal/usbsid"
)

type bridgeFixture struct {
	socketPath string
	chip       *testsupport.FakeChip
	session    *usbsid.Session
	sched      *scheduler.Scheduler
	server     *daemon.Server
}

func startBridge(t *testing.T, open usbsid.Opener) *bridgeFixture {
	t.Helper()

	chip := testsupport.NewFakeChip()
	if open == nil {
		open = func() (usbsid.Chip, error) { return chip, nil }
	}

	session := usbsid.NewSession(open, time.Millisecond, 10*time.Millisecond, logging.NewNop())
	sched := scheduler.New(session, 64, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.Run(ctx)
	go sched.Run(ctx)

	socketPath := filepath.Join(t.TempDir(), "bridge.sock")
	server := daemon.NewServer(socketPath, session, sched, nil, logging.NewNop())
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go server.Serve(ctx)
	t.Cleanup(server.Shutdown)

	deadline := time.Now().Add(time.Second)
	for !session.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	return &bridgeFixture{
		socketPath: socketPath,
		chip:       chip,
		session:    session,
		sched:      sched,
		server:     server,
	}
}

func dialBridge(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial %s: %v", socketPath, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func handshake(t *testing.T, conn net.Conn) protocol.HelloReply {
	t.Helper()
	if err := protocol.WriteFrame(conn, protocol.NewHello(protocol.Version)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	if frame.Code != protocol.StatusOK {
		t.Fatalf("handshake status = %s", protocol.StatusName(frame.Code))
	}
	reply, err := protocol.ParseHelloOK(frame.Payload)
	if err != nil {
		t.Fatalf("ParseHelloOK: %v", err)
	}
	return reply
}

func roundTrip(t *testing.T, conn net.Conn, request protocol.Frame) protocol.Frame {
	t.Helper()
	if err := protocol.WriteFrame(conn, request); err != nil {
		t.Fatalf("write request: %v", err)
	}
	response, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return response
}

func TestHandshakeGrantsWriteAuthority(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)

	reply := handshake(t, conn)
	if reply.Version != protocol.Version {
		t.Errorf("version = %d", reply.Version)
	}
	if reply.DeviceState != protocol.DeviceStateReady {
		t.Errorf("device state = %d, want ready", reply.DeviceState)
	}
	if reply.WriteAuthority != 1 {
		t.Errorf("write authority = %d, want 1", reply.WriteAuthority)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)

	if err := protocol.WriteFrame(conn, protocol.NewHello(protocol.Version+1)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frame.Code != protocol.StatusIncompatibleVersion {
		t.Fatalf("status = %s, want incompatible version", protocol.StatusName(frame.Code))
	}
	// The daemon closes the connection after refusing the version.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("expected closed connection after version refusal")
	}
}

func TestWriteReachesChip(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)

	response := roundTrip(t, conn, protocol.NewWrite(24, 0x0f))
	if response.Code != protocol.StatusOK {
		t.Fatalf("write status = %s", protocol.StatusName(response.Code))
	}
	ops := fixture.chip.Ops()
	if len(ops) != 1 || ops[0].Name != "write" || ops[0].Register != 24 || ops[0].Value != 0x0f {
		t.Fatalf("chip saw %v", ops)
	}
}

func TestInvalidRegisterRejected(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)

	response := roundTrip(t, conn, protocol.NewWrite(40, 0x00))
	if response.Code != protocol.StatusInvalidArgument {
		t.Fatalf("status = %s, want invalid argument", protocol.StatusName(response.Code))
	}
	// The connection survives an invalid argument.
	response = roundTrip(t, conn, protocol.NewRequest(protocol.OpPing))
	if response.Code != protocol.StatusOK {
		t.Fatalf("ping after invalid write = %s", protocol.StatusName(response.Code))
	}
}

func TestSecondConnectionIsPassive(t *testing.T) {
	fixture := startBridge(t, nil)
	active := dialBridge(t, fixture.socketPath)
	handshake(t, active)

	passive := dialBridge(t, fixture.socketPath)
	reply := handshake(t, passive)
	if reply.WriteAuthority != 0 {
		t.Fatalf("second connection got write authority")
	}

	// Passive connections may probe.
	response := roundTrip(t, passive, protocol.NewRequest(protocol.OpPing))
	if response.Code != protocol.StatusOK {
		t.Fatalf("passive ping = %s", protocol.StatusName(response.Code))
	}
	if len(response.Payload) != 1 || response.Payload[0] != protocol.DeviceStateReady {
		t.Fatalf("ping payload = %v", response.Payload)
	}

	// Hardware commands are refused.
	response = roundTrip(t, passive, protocol.NewWrite(0, 1))
	if response.Code != protocol.StatusDeviceBusy {
		t.Fatalf("passive write = %s, want device busy", protocol.StatusName(response.Code))
	}
	if len(fixture.chip.Ops()) != 0 {
		t.Fatalf("passive connection reached hardware: %v", fixture.chip.Ops())
	}
}

func TestAuthorityPassesToNextClient(t *testing.T) {
	fixture := startBridge(t, nil)
	first := dialBridge(t, fixture.socketPath)
	handshake(t, first)

	response := roundTrip(t, first, protocol.NewRequest(protocol.OpShutdown))
	if response.Code != protocol.StatusOK {
		t.Fatalf("shutdown = %s", protocol.StatusName(response.Code))
	}
	_ = first.Close()

	// After the active client leaves, the next connection takes over.
	deadline := time.Now().Add(time.Second)
	for fixture.server.ActiveSessionID() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := dialBridge(t, fixture.socketPath)
	reply := handshake(t, second)
	if reply.WriteAuthority != 1 {
		t.Fatal("authority did not pass to the next client")
	}
}

func TestDisconnectSilencesChip(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)

	response := roundTrip(t, conn, protocol.NewWrite(0, 1))
	if response.Code != protocol.StatusOK {
		t.Fatalf("write = %s", protocol.StatusName(response.Code))
	}
	_ = conn.Close()

	deadline := time.Now().Add(time.Second)
	sawMute := false
	for !sawMute && time.Now().Before(deadline) {
		for _, op := range fixture.chip.Ops() {
			if op.Name == "mute" {
				sawMute = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawMute {
		t.Fatal("chip was not muted after the active client vanished")
	}
}

func TestTeardownSilencesAfterInFlightWrite(t *testing.T) {
	fixture := startBridge(t, nil)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	fixture.chip.Hook(func(op testsupport.Op) {
		if op.Name == "write" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-gate
		}
	})

	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)
	if err := protocol.WriteFrame(conn, protocol.NewWrite(0, 15)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("write never reached the chip")
	}

	// Abrupt disconnect with the write still in flight. The teardown's
	// silence command must land after it, never overtake it.
	_ = conn.Close()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	deadline := time.Now().Add(time.Second)
	var ops []testsupport.Op
	for time.Now().Before(deadline) {
		ops = fixture.chip.Ops()
		if len(ops) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(ops) < 3 {
		t.Fatalf("expected write, mute and reset, got %v", ops)
	}
	if ops[0].Name != "write" || ops[1].Name != "mute" || ops[2].Name != "reset" {
		t.Fatalf("silence overtook the in-flight write: %v", ops)
	}
}

func TestBufferedWritesFlushInOrder(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)

	for i := 0; i < 3; i++ {
		response := roundTrip(t, conn, protocol.NewBufferedWrite(uint8(i), uint8(i*10), uint16(100+i)))
		if response.Code != protocol.StatusOK {
			t.Fatalf("buffered write %d = %s", i, protocol.StatusName(response.Code))
		}
	}
	// Nothing reaches hardware until the flush.
	if len(fixture.chip.Ops()) != 0 {
		t.Fatalf("buffered writes leaked to hardware: %v", fixture.chip.Ops())
	}

	response := roundTrip(t, conn, protocol.NewRequest(protocol.OpFlush))
	if response.Code != protocol.StatusOK {
		t.Fatalf("flush = %s", protocol.StatusName(response.Code))
	}
	ops := fixture.chip.Ops()
	if len(ops) != 3 {
		t.Fatalf("expected 3 cycled writes, got %v", ops)
	}
	for i, op := range ops {
		if op.Name != "cycled" || op.Register != uint8(i) || op.Cycles != uint16(100+i) {
			t.Fatalf("cycled write %d = %+v", i, op)
		}
	}

	// A second flush with an empty batch is a no-op success.
	response = roundTrip(t, conn, protocol.NewRequest(protocol.OpFlush))
	if response.Code != protocol.StatusOK {
		t.Fatalf("empty flush = %s", protocol.StatusName(response.Code))
	}
}

func TestCommandsWithoutDevice(t *testing.T) {
	fixture := startBridge(t, func() (usbsid.Chip, error) {
		return nil, usbsid.ErrDeviceAbsent
	})
	conn := dialBridge(t, fixture.socketPath)

	reply := handshake(t, conn)
	if reply.DeviceState != protocol.DeviceStateAbsent {
		t.Fatalf("device state = %d, want absent", reply.DeviceState)
	}

	response := roundTrip(t, conn, protocol.NewWrite(0, 1))
	if response.Code != protocol.StatusDeviceAbsent {
		t.Fatalf("write without device = %s", protocol.StatusName(response.Code))
	}

	// Ping still answers, reporting the absent device.
	response = roundTrip(t, conn, protocol.NewRequest(protocol.OpPing))
	if response.Code != protocol.StatusOK || response.Payload[0] != protocol.DeviceStateAbsent {
		t.Fatalf("ping = %s payload %v", protocol.StatusName(response.Code), response.Payload)
	}
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	fixture := startBridge(t, nil)
	conn := dialBridge(t, fixture.socketPath)
	handshake(t, conn)

	response := roundTrip(t, conn, protocol.Frame{Code: 0x7f})
	if response.Code != protocol.StatusProtocolError {
		t.Fatalf("status = %s, want protocol error", protocol.StatusName(response.Code))
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("expected closed connection after protocol error")
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := usbsid.NewSession(func() (usbsid.Chip, error) { return chip, nil },
		time.Millisecond, 10*time.Millisecond, logging.NewNop())
	sched := scheduler.New(session, 8, logging.NewNop())

	socketPath := filepath.Join(t.TempDir(), "bridge.sock")

	// Leave a leftover file behind, as a crashed daemon would.
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket file: %v", err)
	}

	server := daemon.NewServer(socketPath, session, sched, nil, logging.NewNop())
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	t.Cleanup(server.Shutdown)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Type() != os.ModeSocket {
		t.Fatalf("expected a socket at %s, got %v", socketPath, info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0o666 {
		t.Fatalf("socket mode = %o, want 0666", perm)
	}
}
