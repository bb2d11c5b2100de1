package protocol

import (
	"encoding/binary"
	"fmt"
)

// NewHello builds the handshake request frame for the given protocol version.
func NewHello(version uint8) Frame {
	payload := make([]byte, 0, len(Magic)+1)
	payload = append(payload, Magic...)
	payload = append(payload, version)
	return Frame{Code: OpHello, Payload: payload}
}

// ParseHello extracts the requested protocol version from a hello payload.
// A bad magic tag means the peer is not a bridge client at all.
func ParseHello(payload []byte) (version uint8, err error) {
	if len(payload) != len(Magic)+1 {
		return 0, fmt.Errorf("hello payload must be %d bytes, got %d", len(Magic)+1, len(payload))
	}
	if string(payload[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("bad handshake magic %q", payload[:len(Magic)])
	}
	return payload[len(Magic)], nil
}

// NewHelloOK builds the daemon's successful handshake response. deviceState
// is DeviceStateAbsent or DeviceStateReady; writeAuthority is 1 when this
// connection holds the active session, 0 for a passive observer.
func NewHelloOK(deviceState, writeAuthority uint8) Frame {
	return Frame{Code: StatusOK, Payload: []byte{Version, deviceState, writeAuthority}}
}

// HelloReply is the parsed successful handshake response.
type HelloReply struct {
	Version        uint8
	DeviceState    uint8
	WriteAuthority uint8
}

// ParseHelloOK decodes the payload of a StatusOK handshake response.
func ParseHelloOK(payload []byte) (HelloReply, error) {
	if len(payload) != 3 {
		return HelloReply{}, fmt.Errorf("hello reply payload must be 3 bytes, got %d", len(payload))
	}
	return HelloReply{Version: payload[0], DeviceState: payload[1], WriteAuthority: payload[2]}, nil
}

// NewWrite builds an immediate register write request.
func NewWrite(register, value uint8) Frame {
	return Frame{Code: OpWrite, Payload: []byte{register, value}}
}

// ParseWrite decodes a register/value pair from a write payload.
func ParseWrite(payload []byte) (register, value uint8, err error) {
	if len(payload) != 2 {
		return 0, 0, fmt.Errorf("write payload must be 2 bytes, got %d", len(payload))
	}
	return payload[0], payload[1], nil
}

// NewBufferedWrite builds a cycle-tagged buffered write request.
func NewBufferedWrite(register, value uint8, cycles uint16) Frame {
	payload := make([]byte, 4)
	payload[0] = register
	payload[1] = value
	binary.BigEndian.PutUint16(payload[2:4], cycles)
	return Frame{Code: OpBufferedWrite, Payload: payload}
}

// ParseBufferedWrite decodes a buffered write payload.
func ParseBufferedWrite(payload []byte) (register, value uint8, cycles uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, 0, fmt.Errorf("buffered write payload must be 4 bytes, got %d", len(payload))
	}
	return payload[0], payload[1], binary.BigEndian.Uint16(payload[2:4]), nil
}

// NewSetClock builds a clock selection request. pal true selects the PAL
// crystal, false NTSC.
func NewSetClock(pal bool) Frame {
	value := uint8(0)
	if pal {
		value = 1
	}
	return Frame{Code: OpSetClock, Payload: []byte{value}}
}

// ParseSetClock decodes a clock selection payload.
func ParseSetClock(payload []byte) (pal bool, err error) {
	if len(payload) != 1 {
		return false, fmt.Errorf("clock payload must be 1 byte, got %d", len(payload))
	}
	return payload[0] != 0, nil
}

// NewSetStereo builds a stereo routing request.
func NewSetStereo(mode uint8) Frame {
	return Frame{Code: OpSetStereo, Payload: []byte{mode}}
}

// ParseSetStereo decodes a stereo routing payload.
func ParseSetStereo(payload []byte) (mode uint8, err error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("stereo payload must be 1 byte, got %d", len(payload))
	}
	return payload[0], nil
}

// NewRequest builds a payload-free request frame for opcodes like OpPing,
// OpFlush, OpReset, OpMute and OpShutdown.
func NewRequest(opcode uint8) Frame {
	return Frame{Code: opcode}
}

// NewStatus builds a bare response frame with no detail payload.
func NewStatus(status uint8) Frame {
	return Frame{Code: status}
}

// NewStatusDetail builds a response frame carrying a short human-readable
// detail string, truncated to fit the frame.
func NewStatusDetail(status uint8, detail string) Frame {
	if len(detail) > MaxPayloadLength {
		detail = detail[:MaxPayloadLength]
	}
	return Frame{Code: status, Payload: []byte(detail)}
}

// NewPingOK builds the successful ping response for the given device state.
func NewPingOK(deviceState uint8) Frame {
	return Frame{Code: StatusOK, Payload: []byte{deviceState}}
}

// StatusName returns a short lowercase name for a status code, for logs and
// error messages.
func StatusName(status uint8) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusDeviceAbsent:
		return "device absent"
	case StatusDeviceBusy:
		return "device busy"
	case StatusPermissionDenied:
		return "permission denied"
	case StatusQueueFull:
		return "queue full"
	case StatusIoFailure:
		return "io failure"
	case StatusInvalidArgument:
		return "invalid argument"
	case StatusProtocolError:
		return "protocol error"
	case StatusIncompatibleVersion:
		return "incompatible version"
	default:
		return fmt.Sprintf("status 0x%02x", status)
	}
}
