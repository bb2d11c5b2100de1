package main

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Bridge Status")
	requireContains(t, out, "not running")
	requireContains(t, out, "not attached")
	requireContains(t, out, "Queued writes")
	requireContains(t, out, "Paths")
	requireContains(t, out, env.cfg.Bridge.SocketPath)
	requireContains(t, out, env.cfg.JournalPath())
}

func TestPingCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"ping"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	requireContains(t, out, "daemon alive, device attached: no")
}

func TestPingWithoutDaemon(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	missing := filepath.Join(t.TempDir(), "absent.sock")

	_, _, err := runCLI(t, []string{"ping"}, missing, "")
	if err == nil {
		t.Fatal("expected dial error for missing socket")
	}
	requireContains(t, err.Error(), "is sidbridged running?")
}

func TestStopCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"stop"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Stop request acknowledged")

	waitFor(t, 2*time.Second, func() bool {
		return env.stopCalls.Load() == 1
	})
}
