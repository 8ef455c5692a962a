// Package maintenance runs the recurring sweep that snapshots forgotten
// sessions and releases idle ones.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Target is the session registry as seen by the sweep.
type Target interface {
	FlushStale(ctx context.Context, staleAfter time.Duration) (flushed, failed int)
	EvictIdle(ctx context.Context, idleAfter time.Duration) (evicted, failed int)
}

// State is the scheduler's sweep state.
type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// Report summarizes one sweep.
type Report struct {
	Flushed     int
	FlushFailed int
	Evicted     int
	EvictFailed int
	// Skipped is set when another sweep was already running.
	Skipped  bool
	Duration time.Duration
}

// Scheduler sweeps a Target on a fixed interval.
type Scheduler struct {
	target     Target
	log        *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	idleAfter  time.Duration
	timeout    time.Duration

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler.
//
// Parameters:
//   - interval: how often to sweep (e.g., 30 seconds)
//   - staleAfter: how long changes may stay unsaved before a forced snapshot
//   - idleAfter: how long a session without clients stays loaded
func NewScheduler(target Target, logger *zap.Logger, interval, staleAfter, idleAfter time.Duration) *Scheduler {
	return &Scheduler{
		target:     target,
		log:        logger,
		interval:   interval,
		staleAfter: staleAfter,
		idleAfter:  idleAfter,
		timeout:    interval,
		stopCh:     make(chan struct{}),
	}
}

// State reports whether a sweep is in progress.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start begins the background sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("maintenance scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
		zap.Duration("idle_after", s.idleAfter))
}

// Stop signals the loop to stop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.log.Info("maintenance scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one pass: snapshot stale sessions, then evict idle ones.
// Concurrent calls do not overlap; the loser returns a skipped report.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	if !s.state.CompareAndSwap(int32(Idle), int32(Sweeping)) {
		return Report{Skipped: true}
	}
	defer s.state.Store(int32(Idle))

	start := time.Now()
	var r Report
	r.Flushed, r.FlushFailed = s.target.FlushStale(ctx, s.staleAfter)
	r.Evicted, r.EvictFailed = s.target.EvictIdle(ctx, s.idleAfter)
	r.Duration = time.Since(start)

	switch {
	case r.FlushFailed > 0 || r.EvictFailed > 0:
		s.log.Warn("maintenance sweep incomplete, retrying next sweep",
			zap.Int("flushed", r.Flushed),
			zap.Int("flush_failed", r.FlushFailed),
			zap.Int("evicted", r.Evicted),
			zap.Int("evict_failed", r.EvictFailed))
	case r.Flushed > 0 || r.Evicted > 0:
		s.log.Info("maintenance sweep",
			zap.Int("flushed", r.Flushed),
			zap.Int("evicted", r.Evicted),
			zap.Duration("took", r.Duration))
	}
	return r
}
