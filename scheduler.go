package boardsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts wall-clock access so room lifecycles and snapshot timers are
// testable without real waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Tick returns a channel that delivers ticks at the given interval and a
	// stop function releasing its resources.
	Tick(interval time.Duration) (<-chan time.Time, func())
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Tick returns a real ticker channel.
func (SystemClock) Tick(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// ManualClock is a test clock advanced explicitly.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []chan time.Time
}

// NewManualClock creates a manual clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Tick returns a channel fired by Advance, ignoring the interval.
func (c *ManualClock) Tick(interval time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.tickers = append(c.tickers, ch)
	return ch, func() {}
}

// Advance moves the clock forward and fires every ticker once.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]chan time.Time(nil), c.tickers...)
	c.mu.Unlock()
	for _, ch := range tickers {
		select {
		case ch <- now:
		default:
		}
	}
}

// SnapshotScheduler runs a task at a fixed interval with explicit start/stop
// tied to its owner's lifecycle, so shutdown is deterministic.
type SnapshotScheduler struct {
	interval time.Duration
	clock    Clock
	task     func()
	logger   *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// NewSnapshotScheduler creates a scheduler for the given task. A nil clock
// uses the system clock.
func NewSnapshotScheduler(interval time.Duration, clock Clock, task func(), logger *zap.Logger) *SnapshotScheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotScheduler{
		interval: interval,
		clock:    clock,
		task:     task,
		logger:   logger,
	}
}

// Start launches the periodic run. Starting an already started scheduler is a
// no-op.
func (s *SnapshotScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	ticks, stopTicks := s.clock.Tick(s.interval)
	s.stopped.Add(1)
	go func() {
		defer s.stopped.Done()
		defer stopTicks()
		for {
			select {
			case <-ticks:
				s.task()
			case <-stopCh:
				return
			}
		}
	}()
	s.logger.Debug("Snapshot scheduler started",
		zap.Duration("interval", s.interval))
}

// Stop halts the periodic run and waits for the in-flight task, if any.
// Stopping a stopped scheduler is a no-op.
func (s *SnapshotScheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.stopped.Wait()
	s.logger.Debug("Snapshot scheduler stopped")
}
