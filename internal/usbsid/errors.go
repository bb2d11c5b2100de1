package usbsid

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Typed errors surfaced to the write scheduler and protocol layer. The
// distinction between absent (retryable) and permission denied (operator
// problem) drives the daemon's reconnect and logging behavior.
var (
	ErrDeviceAbsent     = errors.New("device not present")
	ErrDeviceBusy       = errors.New("device busy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDisconnected     = errors.New("device disconnected")
	ErrTimeout          = errors.New("transfer timed out")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// mapErrno converts a usbfs errno into the package's typed errors.
func mapErrno(op string, errno error) error {
	switch {
	case errno == nil:
		return nil
	case errors.Is(errno, unix.ENOENT), errors.Is(errno, unix.ENODEV):
		return fmt.Errorf("%s: %w", op, ErrDeviceAbsent)
	case errors.Is(errno, unix.EACCES), errors.Is(errno, unix.EPERM):
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	case errors.Is(errno, unix.EBUSY):
		return fmt.Errorf("%s: %w", op, ErrDeviceBusy)
	case errors.Is(errno, unix.ETIMEDOUT):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	default:
		return fmt.Errorf("%s: %w", op, errno)
	}
}
