// Package protocol defines the wire format spoken on the bridge data socket:
// framed binary request/response pairs with a versioned handshake.
//
// Every frame is a 3-byte header followed by the payload. Requests carry an
// opcode, responses carry a status code; both use the same
// [1 byte code] [2 bytes payload length, big-endian uint16] [payload] layout.
// Payloads are tiny (a register write is two bytes) so the length field is
// deliberately narrow and over-length declarations are treated as a protocol
// violation rather than tolerated.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the protocol revision negotiated during the handshake. There is
// no downgrade path: a client that speaks a different revision is refused
// with StatusIncompatibleVersion.
const Version uint8 = 1

// Magic is the four-byte tag opening every handshake payload. It lets the
// daemon reject stray connections (port scanners, misconfigured clients)
// before interpreting anything else.
const Magic = "SIDB"

// Request opcodes.
const (
	// OpHello opens a connection. Payload: Magic followed by one version
	// byte. Must be the first frame on every connection.
	OpHello uint8 = 0x01

	// OpWrite performs an immediate register write. Payload: register,
	// value (one byte each).
	OpWrite uint8 = 0x02

	// OpBufferedWrite appends a cycle-tagged write to the session's pending
	// batch without touching hardware. Payload: register, value, cycles
	// (big-endian uint16).
	OpBufferedWrite uint8 = 0x03

	// OpFlush sends the pending buffered writes to the chip as packed bulk
	// transfers. Empty payload.
	OpFlush uint8 = 0x04

	// OpReset resets the chip. Empty payload.
	OpReset uint8 = 0x05

	// OpMute silences all voices. Empty payload.
	OpMute uint8 = 0x06

	// OpSetClock selects the chip clock. Payload: one byte, nonzero for PAL.
	OpSetClock uint8 = 0x07

	// OpSetStereo selects the stereo routing mode. Payload: one byte.
	OpSetStereo uint8 = 0x08

	// OpPing probes daemon liveness and device presence without touching
	// hardware. Empty payload.
	OpPing uint8 = 0x09

	// OpShutdown ends the session cleanly: the daemon flushes, mutes and
	// resets the chip before releasing write authority. Empty payload.
	OpShutdown uint8 = 0x0a
)

// Response status codes.
const (
	StatusOK                  uint8 = 0x00
	StatusDeviceAbsent        uint8 = 0x01
	StatusDeviceBusy          uint8 = 0x02
	StatusPermissionDenied    uint8 = 0x03
	StatusQueueFull           uint8 = 0x04
	StatusIoFailure           uint8 = 0x05
	StatusInvalidArgument     uint8 = 0x06
	StatusProtocolError       uint8 = 0x07
	StatusIncompatibleVersion uint8 = 0x08
)

// Device state reported in the hello response and in ping payloads.
const (
	DeviceStateAbsent uint8 = 0
	DeviceStateReady  uint8 = 1
)

// headerLength is the fixed size of a frame header: 1 byte opcode or status
// + 2 bytes payload length.
const headerLength = 3

// MaxPayloadLength caps the declared payload size. The largest legal frame
// is a handshake payload; anything claiming more is a malformed or hostile
// stream and the connection is dropped.
const MaxPayloadLength = 64

// Frame is a single protocol frame. For requests Code is an opcode, for
// responses it is a status.
type Frame struct {
	Code    uint8
	Payload []byte
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(frame.Payload), MaxPayloadLength)
	}
	buf := make([]byte, headerLength+len(frame.Payload))
	buf[0] = frame.Code
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(frame.Payload)))
	copy(buf[headerLength:], frame.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one framed message from r. A declared payload length above
// MaxPayloadLength is an error; the caller should close the connection
// because the stream position is no longer trustworthy.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint16(header[1:3])
	if payloadLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Code: header[0], Payload: payload}, nil
}
