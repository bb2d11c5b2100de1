package protocol_test

import (
	"bytes"
	"strings"
	"testing"

	"sidbridge/internal/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := protocol.NewBufferedWrite(18, 0x41, 312)
	if err := protocol.WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out, err := protocol.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Code != protocol.OpBufferedWrite {
		t.Fatalf("opcode = 0x%02x, want OpBufferedWrite", out.Code)
	}
	register, value, cycles, err := protocol.ParseBufferedWrite(out.Payload)
	if err != nil {
		t.Fatalf("ParseBufferedWrite: %v", err)
	}
	if register != 18 || value != 0x41 || cycles != 312 {
		t.Fatalf("got %d/%d/%d, want 18/0x41/312", register, value, cycles)
	}
}

func TestEmptyPayloadFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, protocol.NewStatus(protocol.StatusOK)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != 3 {
		t.Fatalf("bare status frame should be 3 bytes, got %d", buf.Len())
	}
	out, err := protocol.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Code != protocol.StatusOK || len(out.Payload) != 0 {
		t.Fatalf("unexpected frame %+v", out)
	}
}

func TestReadFrameRejectsOversizedDeclaration(t *testing.T) {
	// Header declaring a payload far past the cap; no payload follows.
	raw := []byte{protocol.OpWrite, 0xff, 0xff}
	_, err := protocol.ReadFrame(bytes.NewReader(raw))
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("expected over-length error, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	frame := protocol.Frame{Code: protocol.OpWrite, Payload: make([]byte, protocol.MaxPayloadLength+1)}
	if err := protocol.WriteFrame(&bytes.Buffer{}, frame); err == nil {
		t.Fatal("expected error for payload over the cap")
	}
}

func TestReadFrameTruncatedStream(t *testing.T) {
	full := &bytes.Buffer{}
	if err := protocol.WriteFrame(full, protocol.NewWrite(7, 0x20)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := full.Bytes()[:4]
	if _, err := protocol.ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error reading truncated frame")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	hello := protocol.NewHello(protocol.Version)
	version, err := protocol.ParseHello(hello.Payload)
	if err != nil {
		t.Fatalf("ParseHello: %v", err)
	}
	if version != protocol.Version {
		t.Fatalf("version = %d, want %d", version, protocol.Version)
	}
}

func TestParseHelloBadMagic(t *testing.T) {
	if _, err := protocol.ParseHello([]byte("NOPE\x01")); err == nil {
		t.Fatal("expected bad magic error")
	}
	if _, err := protocol.ParseHello([]byte("SI")); err == nil {
		t.Fatal("expected short payload error")
	}
}

func TestHelloReplyRoundTrip(t *testing.T) {
	frame := protocol.NewHelloOK(protocol.DeviceStateReady, 1)
	reply, err := protocol.ParseHelloOK(frame.Payload)
	if err != nil {
		t.Fatalf("ParseHelloOK: %v", err)
	}
	if reply.Version != protocol.Version || reply.DeviceState != protocol.DeviceStateReady || reply.WriteAuthority != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestStatusDetailTruncated(t *testing.T) {
	long := strings.Repeat("x", protocol.MaxPayloadLength*2)
	frame := protocol.NewStatusDetail(protocol.StatusIoFailure, long)
	if len(frame.Payload) != protocol.MaxPayloadLength {
		t.Fatalf("detail not truncated: %d bytes", len(frame.Payload))
	}
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func TestSetClockParse(t *testing.T) {
	pal, err := protocol.ParseSetClock(protocol.NewSetClock(true).Payload)
	if err != nil || !pal {
		t.Fatalf("pal round trip failed: %v %v", pal, err)
	}
	pal, err = protocol.ParseSetClock(protocol.NewSetClock(false).Payload)
	if err != nil || pal {
		t.Fatalf("ntsc round trip failed: %v %v", pal, err)
	}
}

func TestStatusName(t *testing.T) {
	if got := protocol.StatusName(protocol.StatusQueueFull); got != "queue full" {
		t.Fatalf("StatusName = %q", got)
	}
	if got := protocol.StatusName(0x7f); got != "status 0x7f" {
		t.Fatalf("StatusName unknown = %q", got)
	}
}
