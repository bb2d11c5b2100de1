// Package logging builds the structured loggers used by the bridge daemon
// and CLI.
//
// It wraps log/slog with a pretty console handler for interactive use and a
// JSON handler for machine consumption, fans output to stdout and the
// append-only daemon log file, and standardizes attribute keys so operators
// can grep device and session events reliably.
//
// Construct loggers through New or NewFromConfig and derive per-subsystem
// loggers with NewComponentLogger so every line carries its component tag.
package logging
