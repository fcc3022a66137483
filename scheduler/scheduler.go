// Package scheduler runs callbacks at or after a deadline on a small worker
// pool. Tasks are keyed by id: scheduling an id that is already queued
// replaces it, and a cancelled task is never started.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Func is a scheduled callback. ctx is cancelled when the task is cancelled
// while running or when the scheduler stops.
type Func func(ctx context.Context) error

type task struct {
	id     string
	fireAt time.Time
	fn     Func
	index  int

	cancelled bool
	cancel    context.CancelFunc
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

type Scheduler struct {
	clock   clockwork.Clock
	workers int
	log     zerolog.Logger

	mu       sync.Mutex
	queue    taskHeap
	queued   map[string]*task
	inflight map[*task]struct{}

	wake chan struct{}
	// jobs carries batches of tasks sharing one deadline, run in id order
	// by a single worker.
	jobs chan []*task

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clockwork.NewRealClock(),
		workers:  1,
		log:      zerolog.Nop(),
		queued:   map[string]*task{},
		inflight: map[*task]struct{}{},
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = make(chan []*task, s.workers)
	return s
}

func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Schedule queues fn to run at or after fireAt. A queued task with the same
// id is replaced. A task with the same id that is already running is left
// alone.
func (s *Scheduler) Schedule(id string, fireAt time.Time, fn Func) {
	s.mu.Lock()
	if old, ok := s.queued[id]; ok {
		heap.Remove(&s.queue, old.index)
		delete(s.queued, id)
	}
	t := &task{id: id, fireAt: fireAt, fn: fn}
	heap.Push(&s.queue, t)
	s.queued[id] = t
	s.mu.Unlock()

	s.log.Debug().Str("task_id", id).Time("fire_at", fireAt).Msg("task scheduled")
	s.poke()
}

// Cancel voids the task with the given id. A queued task is removed; a task
// handed to a worker is skipped, or has its context cancelled if its body has
// already started. It reports whether anything was cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	if t, ok := s.queued[id]; ok {
		heap.Remove(&s.queue, t.index)
		delete(s.queued, id)
		found = true
	}
	for t := range s.inflight {
		if t.id != id || t.cancelled {
			continue
		}
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
		found = true
	}
	if found {
		s.log.Debug().Str("task_id", id).Msg("task cancelled")
	}
	return found
}

// Pending reports whether id is queued and not yet handed to a worker.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the dispatch loop and workers. Later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		s.stop = cancel

		// The first loop pass sees everything queued so far.
		select {
		case <-s.wake:
		default:
		}

		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.work(ctx)
		}
		s.wg.Add(1)
		go s.loop(ctx)
		s.log.Info().Int("workers", s.workers).Msg("scheduler started")
	})
}

// Stop cancels running callbacks and waits for the workers to return.
// Queued tasks are dropped.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	s.stop()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		due, next, hasNext := s.popDue()
		for _, batch := range batches(due) {
			select {
			case s.jobs <- batch:
			case <-ctx.Done():
				return
			}
		}

		var (
			timer  clockwork.Timer
			fireCh <-chan time.Time
		)
		if hasNext {
			timer = s.clock.NewTimer(next)
			fireCh = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fireCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue removes every task whose deadline has passed, in (fireAt, id)
// order, and returns the wait until the next deadline.
func (s *Scheduler) popDue() ([]*task, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*task
	for len(s.queue) > 0 && !s.queue[0].fireAt.After(now) {
		t := heap.Pop(&s.queue).(*task)
		delete(s.queued, t.id)
		s.inflight[t] = struct{}{}
		due = append(due, t)
	}
	if len(s.queue) == 0 {
		return due, 0, false
	}
	return due, s.queue[0].fireAt.Sub(now), true
}

func (s *Scheduler) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.jobs:
			for _, t := range batch {
				s.run(ctx, t)
			}
		}
	}
}

// batches splits tasks already sorted by (fireAt, id) into runs that share
// a deadline.
func batches(due []*task) [][]*task {
	var out [][]*task
	for i := 0; i < len(due); {
		j := i + 1
		for j < len(due) && due[j].fireAt.Equal(due[i].fireAt) {
			j++
		}
		out = append(out, due[i:j])
		i = j
	}
	return out
}

func (s *Scheduler) run(parent context.Context, t *task) {
	s.mu.Lock()
	if t.cancelled {
		delete(s.inflight, t)
		s.mu.Unlock()
		s.log.Debug().Str("task_id", t.id).Msg("skipping cancelled task")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.inflight, t)
		s.mu.Unlock()
	}()

	start := s.clock.Now()
	if err := invoke(ctx, t.fn); err != nil {
		s.log.Error().Err(err).Str("task_id", t.id).Msg("scheduled task failed")
		return
	}
	s.log.Debug().Str("task_id", t.id).Dur("took", s.clock.Since(start)).Msg("scheduled task done")
}

func invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("task panicked: %v", r))
		}
	}()
	return fn(ctx)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].id < h[j].id
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
