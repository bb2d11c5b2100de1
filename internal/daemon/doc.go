// Package daemon ties the bridge together: it enforces single-instance
// execution, owns the data socket that clients play through, watches udev for
// the device coming and going, and coordinates orderly startup and shutdown
// of the device session and the write scheduler.
package daemon
