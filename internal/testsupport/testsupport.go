// Package testsupport provides shared fixtures for sidbridge tests: a
// temp-dir backed configuration and a recording fake of the hardware chip.
package testsupport

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"sidbridge/internal/config"
	"sidbridge/internal/usbsid"
)

// NewConfig returns a validated configuration rooted in a temp directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Bridge.SocketPath = filepath.Join(base, "bridge.sock")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// Op is one recorded hardware operation.
type Op struct {
	Name     string
	Register uint8
	Value    uint8
	Cycles   uint16
}

// FakeChip records operations in call order and can be told to fail, which
// is how tests simulate device unplug mid-stream.
type FakeChip struct {
	mu     sync.Mutex
	ops    []Op
	fail   error
	closed bool
	hook   func(Op)
}

// NewFakeChip returns an operational fake.
func NewFakeChip() *FakeChip {
	return &FakeChip{}
}

// FailWith makes every subsequent operation return err.
func (f *FakeChip) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// Ops returns a copy of the recorded operations.
func (f *FakeChip) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// Closed reports whether Close was called.
func (f *FakeChip) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Hook installs fn to run before each operation is recorded. Tests use it
// to hold an operation in flight while exercising disconnect and shutdown
// paths. fn runs without the chip lock held, so it may block.
func (f *FakeChip) Hook(fn func(Op)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

func (f *FakeChip) record(op Op) error {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *FakeChip) WriteRegister(register, value uint8) error {
	if !usbsid.ValidRegister(register) {
		return fmt.Errorf("register %d out of range: %w", register, usbsid.ErrInvalidArgument)
	}
	return f.record(Op{Name: "write", Register: register, Value: value})
}

func (f *FakeChip) CycledWrites(writes []usbsid.CycledWrite) error {
	for _, write := range writes {
		if err := f.record(Op{Name: "cycled", Register: write.Register, Value: write.Value, Cycles: write.Cycles}); err != nil {
			return err
		}
	}
	return nil
}

func (f *FakeChip) Reset() error { return f.record(Op{Name: "reset"}) }

func (f *FakeChip) Mute() error { return f.record(Op{Name: "mute"}) }

func (f *FakeChip) SetClock(pal bool) error {
	value := uint8(0)
	if pal {
		value = 1
	}
	return f.record(Op{Name: "clock", Value: value})
}

func (f *FakeChip) SetStereo(mode uint8) error {
	return f.record(Op{Name: "stereo", Value: mode})
}

func (f *FakeChip) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
