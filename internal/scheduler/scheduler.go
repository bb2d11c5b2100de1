// Package scheduler serializes hardware commands onto the device session.
//
// All register writes funnel through one bounded FIFO drained by a single
// goroutine, so the chip sees commands in exactly the order clients issued
// them regardless of how the connection layer is structured. The queue never
// blocks producers: when it is full, or the device is unplugged, submission
// fails immediately and the client decides how to recover.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"sidbridge/internal/logging"
	"sidbridge/internal/usbsid"
)

var (
	// ErrQueueFull is returned by Submit when the write queue is at capacity.
	ErrQueueFull = errors.New("write queue full")

	// ErrNoDevice is returned by Submit while the device session is
	// disconnected. Clients replay their register state after the device
	// comes back rather than having the daemon buffer against an absent chip.
	ErrNoDevice = errors.New("no device attached")

	// ErrCancelled resolves entries that were queued by a client whose
	// connection ended before the entry reached hardware.
	ErrCancelled = errors.New("entry cancelled")

	// ErrStopped is returned once the scheduler has shut down.
	ErrStopped = errors.New("scheduler stopped")
)

// entry is one queued hardware command. The result channel has capacity one
// so the drain goroutine never blocks delivering a verdict to a caller that
// gave up waiting.
type entry struct {
	seq        uint64
	generation uint64
	name       string
	apply      func(usbsid.Chip) error
	result     chan error
}

// Scheduler owns the FIFO between the connection layer and the device
// session. Create one with New and run its drain loop with Run.
type Scheduler struct {
	session *usbsid.Session
	logger  *slog.Logger

	entries    chan *entry
	seq        atomic.Uint64
	generation atomic.Uint64
	done       chan struct{}

	// mu guards stopped together with queue inserts, so no entry can slip
	// into the channel after the final shutdown flush has drained it. An
	// entry that missed the flush would strand its caller on the result
	// channel forever.
	mu      sync.Mutex
	stopped bool
}

// New creates a scheduler with the given queue depth draining into session.
func New(session *usbsid.Session, depth int, logger *slog.Logger) *Scheduler {
	if depth < 1 {
		depth = 1
	}
	return &Scheduler{
		session: session,
		logger:  logging.NewComponentLogger(logger, "scheduler"),
		entries: make(chan *entry, depth),
		done:    make(chan struct{}),
	}
}

// Submit places a named command on the queue and returns a channel that
// delivers the device's verdict once the command has been attempted. The
// immediate error is ErrQueueFull, ErrNoDevice or ErrStopped; a nil error
// guarantees exactly one value will arrive on the channel.
func (s *Scheduler) Submit(name string, apply func(usbsid.Chip) error) (<-chan error, error) {
	if !s.session.Connected() {
		return nil, ErrNoDevice
	}
	e := &entry{
		seq:        s.seq.Add(1),
		generation: s.generation.Load(),
		name:       name,
		apply:      apply,
		result:     make(chan error, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	select {
	case s.entries <- e:
		s.mu.Unlock()
		return e.result, nil
	default:
		s.mu.Unlock()
		s.logger.Warn("write queue full",
			logging.String(logging.FieldEventType, "queue_full"),
			logging.String("command", name),
			logging.Int("depth", cap(s.entries)))
		return nil, ErrQueueFull
	}
}

// Do submits a command and waits for its verdict. Convenience for callers
// that do not pipeline.
func (s *Scheduler) Do(name string, apply func(usbsid.Chip) error) error {
	result, err := s.Submit(name, apply)
	if err != nil {
		return err
	}
	return <-result
}

// DiscardPending invalidates every entry queued so far. Already-queued
// entries resolve with ErrCancelled instead of reaching hardware. The server
// calls this when the active client disconnects so a dead client's tail of
// writes never plays on.
func (s *Scheduler) DiscardPending() {
	s.generation.Add(1)
}

// Pending reports how many entries are waiting in the queue.
func (s *Scheduler) Pending() int {
	return len(s.entries)
}

// Run drains the queue until ctx is cancelled. Entries still queued at
// cancellation resolve with ErrStopped.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.flushStopped()
			return
		case e := <-s.entries:
			s.execute(e)
		}
	}
}

func (s *Scheduler) execute(e *entry) {
	if e.generation != s.generation.Load() {
		e.result <- ErrCancelled
		return
	}
	err := s.session.Do(e.apply)
	if err != nil {
		s.logger.Warn("command failed",
			logging.String("command", e.name),
			logging.Uint64("sequence", e.seq),
			logging.Error(err))
	}
	e.result <- err
}

func (s *Scheduler) flushStopped() {
	for {
		select {
		case e := <-s.entries:
			e.result <- ErrStopped
		default:
			return
		}
	}
}

// Drain waits for every currently queued entry to be executed, or for ctx to
// expire. Used during graceful shutdown to let in-flight writes land before
// the device is closed.
func (s *Scheduler) Drain(ctx context.Context) error {
	result, err := s.Submit("drain-barrier", func(usbsid.Chip) error { return nil })
	if err != nil {
		if errors.Is(err, ErrNoDevice) || errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}
	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the drain loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
