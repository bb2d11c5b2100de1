package usbsid

import "fmt"

// The board accepts 64-byte bulk packets whose first byte encodes the
// operation in the top two bits and the payload byte count in the rest.
const (
	opWrite       = 0x0
	opCycledWrite = 0x2
	opCommand     = 0x3

	// RegisterCount is the number of addressable chip registers.
	RegisterCount = 32

	packetSize = 64

	// Each cycled write is reg, val, cycles_hi, cycles_lo.
	cycledWriteSize = 4
	// MaxCycledWritesPerPacket is how many tuples fit after the header byte.
	MaxCycledWritesPerPacket = (packetSize - 1) / cycledWriteSize
)

// Board-level commands carried in opCommand packets.
const (
	commandReset     = 0x01
	commandMute      = 0x02
	commandSetClock  = 0x03
	commandSetStereo = 0x04
)

// CycledWrite is one register write tagged with the chip-cycle delay to the
// next write. The player computes cycles; the daemon only preserves them.
type CycledWrite struct {
	Register uint8
	Value    uint8
	Cycles   uint16
}

// ValidRegister reports whether addr is inside the chip register range.
func ValidRegister(addr uint8) bool {
	return addr < RegisterCount
}

// writePacket builds the immediate single-register write packet.
func writePacket(register, value uint8) []byte {
	return []byte{opWrite << 6, register, value}
}

// commandPacket builds a board command packet with optional argument bytes.
func commandPacket(command uint8, args ...byte) []byte {
	packet := make([]byte, 0, 2+len(args))
	packet = append(packet, (opCommand<<6)|command)
	packet = append(packet, args...)
	return packet
}

// packCycledWrites splits writes into bulk packets, at most
// MaxCycledWritesPerPacket tuples each. Packet layout:
// [header, reg1, val1, cyc1_hi, cyc1_lo, reg2, ...] with
// header = (opCycledWrite << 6) | payloadByteCount.
func packCycledWrites(writes []CycledWrite) ([][]byte, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	for _, write := range writes {
		if !ValidRegister(write.Register) {
			return nil, fmt.Errorf("register %d out of range: %w", write.Register, ErrInvalidArgument)
		}
	}

	packets := make([][]byte, 0, (len(writes)+MaxCycledWritesPerPacket-1)/MaxCycledWritesPerPacket)
	for start := 0; start < len(writes); start += MaxCycledWritesPerPacket {
		end := start + MaxCycledWritesPerPacket
		if end > len(writes) {
			end = len(writes)
		}
		chunk := writes[start:end]

		packet := make([]byte, 1+len(chunk)*cycledWriteSize)
		packet[0] = (opCycledWrite << 6) | uint8(len(chunk)*cycledWriteSize)
		for i, write := range chunk {
			offset := 1 + i*cycledWriteSize
			packet[offset] = write.Register
			packet[offset+1] = write.Value
			packet[offset+2] = uint8(write.Cycles >> 8)
			packet[offset+3] = uint8(write.Cycles & 0xff)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}
