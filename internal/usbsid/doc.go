// Package usbsid owns the USBSID-Pico hardware connection.
//
// It enumerates candidate boards through sysfs, opens the usbfs device node,
// detaches any bound kernel driver, claims the data interface, and performs
// the bulk OUT transfers that drive the SID chip. Register writes are
// ordering-sensitive: the chip's audio output depends on the temporal
// sequence of writes, so all hardware access funnels through a single
// Session that is driven by exactly one goroutine.
//
// Session layers reconnect policy on top of the raw device: transfer
// failures flip it to the disconnected state and a bounded exponential
// backoff (with udev attach hints) reopens the board without restarting the
// daemon.
package usbsid
