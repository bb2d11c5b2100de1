package usbsid

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs ioctl request numbers (linux/usbdevice_fs.h).
const (
	usbdevfsBulk             = 0xc0185502
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsDisconnectClaim  = 0x8108551b
)

// disconnectClaimIfDriver detaches whichever kernel driver holds the
// interface before claiming it for usbfs.
const disconnectClaimIfDriver = 0x01

type bulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     uintptr
}

type disconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

// Chip is the hardware surface the write scheduler drives. The real
// implementation is Device; tests substitute a recording fake.
type Chip interface {
	WriteRegister(register, value uint8) error
	CycledWrites(writes []CycledWrite) error
	Reset() error
	Mute() error
	SetClock(pal bool) error
	SetStereo(mode uint8) error
	Close() error
}

// Options configures how the device is opened and driven.
type Options struct {
	Identity    Identity
	Interface   int
	EndpointOut int
	IOTimeout   time.Duration
}

// Device is an open usbfs handle to the board. Exactly one live Device
// exists per daemon process; the Session enforces that.
type Device struct {
	opts Options
	node string

	mu     sync.Mutex
	fd     int
	closed bool
}

// Open enumerates USB devices, matches the configured identity, detaches
// any bound kernel driver, and claims the data interface. The error
// distinguishes the absent board (retryable) from access problems (fatal).
func Open(opts Options) (*Device, error) {
	info, err := Find(opts.Identity)
	if err != nil {
		return nil, err
	}
	return openNode(info.Node(), opts)
}

func openNode(node string, opts Options) (*Device, error) {
	fd, err := unix.Open(node, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, mapErrno(fmt.Sprintf("open %s", node), err)
	}

	dev := &Device{opts: opts, node: node, fd: fd}

	claim := disconnectClaim{
		Interface: uint32(opts.Interface),
		Flags:     disconnectClaimIfDriver,
	}
	if err := dev.ioctl(usbdevfsDisconnectClaim, unsafe.Pointer(&claim)); err != nil {
		// Older kernels lack DISCONNECT_CLAIM; fall back to a plain claim.
		iface := uint32(opts.Interface)
		if claimErr := dev.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&iface)); claimErr != nil {
			_ = unix.Close(fd)
			return nil, mapErrno("claim interface", claimErr)
		}
	}

	return dev, nil
}

// Node returns the usbfs device node path this handle is bound to.
func (d *Device) Node() string {
	return d.node
}

func (d *Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// bulkOut performs one synchronous bulk transfer to the OUT endpoint,
// bounded by the configured I/O timeout.
func (d *Device) bulkOut(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDisconnected
	}
	if len(data) == 0 || len(data) > packetSize {
		return fmt.Errorf("bulk payload %d bytes: %w", len(data), ErrInvalidArgument)
	}

	transfer := bulkTransfer{
		Endpoint: uint32(d.opts.EndpointOut),
		Length:   uint32(len(data)),
		Timeout:  uint32(d.opts.IOTimeout.Milliseconds()),
		Data:     uintptr(unsafe.Pointer(&data[0])),
	}
	if err := d.ioctl(usbdevfsBulk, unsafe.Pointer(&transfer)); err != nil {
		return mapErrno("bulk transfer", err)
	}
	return nil
}

// WriteRegister performs an immediate single register write.
func (d *Device) WriteRegister(register, value uint8) error {
	if !ValidRegister(register) {
		return fmt.Errorf("register %d out of range: %w", register, ErrInvalidArgument)
	}
	return d.bulkOut(writePacket(register, value))
}

// CycledWrites flushes a batch of cycle-tagged writes as bulk packets,
// preserving order across packet boundaries.
func (d *Device) CycledWrites(writes []CycledWrite) error {
	packets, err := packCycledWrites(writes)
	if err != nil {
		return err
	}
	for _, packet := range packets {
		if err := d.bulkOut(packet); err != nil {
			return err
		}
	}
	return nil
}

// Reset resets the chip.
func (d *Device) Reset() error {
	return d.bulkOut(commandPacket(commandReset))
}

// Mute silences all voices without losing register state.
func (d *Device) Mute() error {
	return d.bulkOut(commandPacket(commandMute))
}

// SetClock selects the PAL or NTSC chip clock.
func (d *Device) SetClock(pal bool) error {
	arg := byte(0)
	if pal {
		arg = 1
	}
	return d.bulkOut(commandPacket(commandSetClock, arg))
}

// SetStereo selects the stereo routing mode.
func (d *Device) SetStereo(mode uint8) error {
	return d.bulkOut(commandPacket(commandSetStereo, mode))
}

// Close releases the claimed interface and closes the device node. Safe to
// call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	iface := uint32(d.opts.Interface)
	_ = d.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&iface))
	return unix.Close(d.fd)
}
