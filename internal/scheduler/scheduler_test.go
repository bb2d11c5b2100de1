package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sidbridge/internal/logging"
	"sidbridge/internal/scheduler"
	"sidbridge/internal/testsupport"
	"sidbridge/internal/usbsid"
)

func startSession(t *testing.T, open usbsid.Opener) *usbsid.Session {
	t.Helper()
	session := usbsid.NewSession(open, time.Millisecond, 10*time.Millisecond, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.Run(ctx)
	deadline := time.Now().Add(time.Second)
	for !session.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !session.Connected() {
		t.Fatal("session never connected")
	}
	return session
}

func startScheduler(t *testing.T, session *usbsid.Session, depth int) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.New(session, depth, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	return sched
}

func TestSchedulerPreservesSubmissionOrder(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := startSession(t, func() (usbsid.Chip, error) { return chip, nil })
	sched := startScheduler(t, session, 64)

	var results []<-chan error
	for i := 0; i < 10; i++ {
		value := uint8(i)
		result, err := sched.Submit("write", func(c usbsid.Chip) error {
			return c.WriteRegister(0, value)
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		results = append(results, result)
	}
	for i, result := range results {
		if err := <-result; err != nil {
			t.Fatalf("entry %d failed: %v", i, err)
		}
	}

	ops := chip.Ops()
	if len(ops) != 10 {
		t.Fatalf("expected 10 writes, got %d", len(ops))
	}
	for i, op := range ops {
		if op.Value != uint8(i) {
			t.Fatalf("write %d out of order: value %d", i, op.Value)
		}
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := startSession(t, func() (usbsid.Chip, error) { return chip, nil })
	sched := startScheduler(t, session, 2)

	gate := make(chan struct{})
	blocked, err := sched.Submit("blocker", func(usbsid.Chip) error {
		<-gate
		return nil
	})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	// The drain goroutine is parked on the blocker. Fill the queue behind it.
	var queued []<-chan error
	deadline := time.Now().Add(time.Second)
	for len(queued) < 2 {
		result, err := sched.Submit("fill", func(usbsid.Chip) error { return nil })
		if errors.Is(err, scheduler.ErrQueueFull) {
			if time.Now().After(deadline) {
				t.Fatal("queue never accepted fill entries")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("Submit fill: %v", err)
		}
		queued = append(queued, result)
	}

	// Keep submitting until rejection: the drain goroutine may have lifted
	// one entry out of the buffer already.
	sawFull := false
	for i := 0; i < 3 && !sawFull; i++ {
		result, err := sched.Submit("overflow", func(usbsid.Chip) error { return nil })
		if errors.Is(err, scheduler.ErrQueueFull) {
			sawFull = true
			break
		}
		if err != nil {
			t.Fatalf("Submit overflow: %v", err)
		}
		queued = append(queued, result)
	}
	if !sawFull {
		t.Fatal("expected ErrQueueFull with drain blocked and queue filled")
	}

	close(gate)
	if err := <-blocked; err != nil {
		t.Fatalf("blocker failed: %v", err)
	}
	for i, result := range queued {
		if err := <-result; err != nil {
			t.Fatalf("queued entry %d failed: %v", i, err)
		}
	}
}

func TestSchedulerNoDeviceWhileDisconnected(t *testing.T) {
	session := usbsid.NewSession(func() (usbsid.Chip, error) {
		return nil, usbsid.ErrDeviceAbsent
	}, time.Millisecond, 10*time.Millisecond, logging.NewNop())
	sched := startScheduler(t, session, 8)

	_, err := sched.Submit("write", func(c usbsid.Chip) error {
		return c.WriteRegister(0, 1)
	})
	if !errors.Is(err, scheduler.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestSchedulerResumesAfterReconnect(t *testing.T) {
	first := testsupport.NewFakeChip()
	second := testsupport.NewFakeChip()
	opened := 0
	session := startSession(t, func() (usbsid.Chip, error) {
		opened++
		if opened == 1 {
			return first, nil
		}
		return second, nil
	})
	sched := startScheduler(t, session, 8)

	first.FailWith(usbsid.ErrDeviceAbsent)
	err := sched.Do("write", func(c usbsid.Chip) error { return c.WriteRegister(0, 1) })
	if !errors.Is(err, usbsid.ErrDeviceAbsent) {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !session.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := sched.Do("write", func(c usbsid.Chip) error { return c.WriteRegister(4, 0x11) }); err != nil {
		t.Fatalf("write after reconnect: %v", err)
	}
	ops := second.Ops()
	if len(ops) != 1 || ops[0].Register != 4 {
		t.Fatalf("reconnected chip saw %v", ops)
	}
}

func TestSchedulerDiscardPending(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := startSession(t, func() (usbsid.Chip, error) { return chip, nil })
	sched := startScheduler(t, session, 8)

	gate := make(chan struct{})
	blocked, err := sched.Submit("blocker", func(usbsid.Chip) error {
		<-gate
		return nil
	})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	stale, err := sched.Submit("stale", func(c usbsid.Chip) error {
		return c.WriteRegister(1, 0xff)
	})
	if err != nil {
		t.Fatalf("Submit stale: %v", err)
	}

	sched.DiscardPending()
	close(gate)

	if err := <-blocked; err != nil {
		t.Fatalf("blocker failed: %v", err)
	}
	if err := <-stale; !errors.Is(err, scheduler.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	for _, op := range chip.Ops() {
		if op.Register == 1 && op.Value == 0xff {
			t.Fatal("discarded write reached hardware")
		}
	}
}

func TestSchedulerShutdownResolvesEveryEntry(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := startSession(t, func() (usbsid.Chip, error) { return chip, nil })
	sched := scheduler.New(session, 8, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// Submitters race the shutdown flush; every Do call must resolve, even
	// one whose entry lands right as the drain goroutine exits.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := sched.Do("write", func(c usbsid.Chip) error {
					return c.WriteRegister(0, 1)
				})
				if errors.Is(err, scheduler.ErrStopped) || errors.Is(err, scheduler.ErrNoDevice) {
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-sched.Done()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("a submitter never received a verdict after shutdown")
	}
}

func TestSchedulerDrainWaitsForQueue(t *testing.T) {
	chip := testsupport.NewFakeChip()
	session := startSession(t, func() (usbsid.Chip, error) { return chip, nil })
	sched := startScheduler(t, session, 8)

	for i := 0; i < 5; i++ {
		if _, err := sched.Submit("write", func(c usbsid.Chip) error {
			return c.WriteRegister(0, 0)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := len(chip.Ops()); got != 5 {
		t.Fatalf("expected 5 writes after drain, got %d", got)
	}
}
