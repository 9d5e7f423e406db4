package dataloader

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/cgm-relay-go/ddata"
)

// DefaultQuietWindow is the debounce applied to reload requests.
const DefaultQuietWindow = 5000 * time.Millisecond

// Scheduler coalesces reload requests: Trigger arms a single timer, and
// re-arming inside the quiet window restarts it. When the timer fires run
// is called exactly once. A trigger arriving while run is in progress
// schedules one follow-up run after a fresh quiet window.
type Scheduler struct {
	ctx       context.Context
	quiet     time.Duration
	run       func(context.Context)
	onTrigger func()

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler returns a Scheduler calling run with ctx.
func NewScheduler(ctx context.Context, quiet time.Duration, run func(context.Context)) *Scheduler {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Scheduler{ctx: ctx, quiet: quiet, run: run}
}

// Scheduler returns a Scheduler that runs Update and hands each successful
// snapshot to loaded.
func (l *Loader) Scheduler(ctx context.Context, quiet time.Duration, loaded func(*ddata.Snapshot)) *Scheduler {
	s := NewScheduler(ctx, quiet, func(ctx context.Context) {
		snap, err := l.Update(ctx)
		if err != nil || loaded == nil {
			return
		}
		loaded(snap)
	})
	s.onTrigger = l.metrics.recordTrigger
	return s
}

// Trigger requests a reload.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onTrigger != nil {
		s.onTrigger()
	}
	if s.closed {
		return
	}
	if s.running {
		s.pending = true
		return
	}
	s.arm()
}

// arm (re)starts the quiet window. s.mu must be held.
func (s *Scheduler) arm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quiet, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed || s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.run(s.ctx)

	s.mu.Lock()
	s.running = false
	if s.pending && !s.closed {
		s.pending = false
		s.arm()
	}
	s.mu.Unlock()
}

// Pending reports whether a reload is armed or running.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil || s.running
}

// Close cancels any armed reload and waits for a running one to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
