// Package config loads, normalizes, and validates sidbridge configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SIDBRIDGE_SOCKET. The Config type centralizes every knob the daemon and
// CLI need: the USB device identity, socket paths, write queue sizing,
// reconnect policy, and logging.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, parsed device identifiers, and clear validation errors.
package config
