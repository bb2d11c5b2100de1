// Package ipc exposes the daemon's control surface over JSON-RPC on a Unix
// socket and ships the matching client used by the CLI.
//
// The control socket is separate from the data socket clients play through:
// it lives in the state directory, answers status and journal queries, and
// accepts a stop request. The client decorates calls with dial timeouts so
// CLI commands fail fast when the daemon is offline.
package ipc
