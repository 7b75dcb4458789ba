package clock

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patoruzuy/sysgrow/core/observability"
)

// TaskFunc is a scheduled unit of work. It must return promptly; long
// operations take the context and honour cancellation.
type TaskFunc func(ctx context.Context)

// TimerID identifies a one-shot timer for cancellation.
type TimerID uint64

type entry struct {
	id       TimerID
	name     string
	fireAt   time.Time
	interval time.Duration // zero for one-shot timers
	fn       TaskFunc
	index    int
}

// entryHeap orders entries by fire time, earliest first.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler dispatches interval tasks and one-shot timers from a single
// worker goroutine, ordered by a fire-time min-heap. Tasks run on the
// worker; panics are recovered so one bad task cannot kill the loop.
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu        sync.Mutex
	heap      entryHeap
	cancelled map[TimerID]bool
	nextID    TimerID
	wake      chan struct{}
	running   bool
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(c Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:     c,
		logger:    logger.Named("scheduler"),
		cancelled: make(map[TimerID]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Every registers a recurring task. The first run fires one interval
// from now.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) TimerID {
	return s.add(name, s.clock.Now().Add(interval), interval, fn)
}

// After registers a one-shot timer.
func (s *Scheduler) After(name string, d time.Duration, fn TaskFunc) TimerID {
	return s.add(name, s.clock.Now().Add(d), 0, fn)
}

// At registers a one-shot timer for an absolute instant.
func (s *Scheduler) At(name string, t time.Time, fn TaskFunc) TimerID {
	return s.add(name, t, 0, fn)
}

func (s *Scheduler) add(name string, fireAt time.Time, interval time.Duration, fn TaskFunc) TimerID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	heap.Push(&s.heap, &entry{id: id, name: name, fireAt: fireAt, interval: interval, fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a pending timer or interval task. Idempotent.
func (s *Scheduler) Cancel(id TimerID) {
	s.mu.Lock()
	s.cancelled[id] = true
	s.mu.Unlock()
}

// Run drives the scheduler until the context is cancelled. Intended to
// be launched as `go sched.Run(ctx)` from the composition root.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	for {
		next, wait := s.peekWait()
		var timer *time.Timer
		var fire <-chan time.Time
		if next != nil {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			s.fireDue(ctx)
		}
	}
}

// peekWait returns the earliest entry and how long until it fires.
func (s *Scheduler) peekWait() (*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil, 0
	}
	e := s.heap[0]
	wait := e.fireAt.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return e, wait
}

// fireDue runs every entry whose fire time has passed.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		if s.cancelled[e.id] {
			delete(s.cancelled, e.id)
			s.mu.Unlock()
			continue
		}
		if e.interval > 0 {
			next := *e
			next.fireAt = now.Add(e.interval)
			heap.Push(&s.heap, &next)
		}
		s.mu.Unlock()

		s.runTask(ctx, e)
	}
}

// FireDue runs all due entries immediately. Test hook for use with a
// fake clock; production code relies on Run.
func (s *Scheduler) FireDue(ctx context.Context) {
	s.fireDue(ctx)
}

func (s *Scheduler) runTask(ctx context.Context, e *entry) {
	start := time.Now()
	defer func() {
		observability.SchedulerTickDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("task", e.name),
				zap.Any("panic", r))
		}
	}()
	e.fn(ctx)
}
