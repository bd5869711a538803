package testjob

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// State is the externally visible status of a job.
type State int

// Job states
const (
	// StateRunning covers jobs that are queued or executing.
	StateRunning State = iota
	StateKilled
	StateSuccessful
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateKilled:
		return "KILLED"
	case StateSuccessful:
		return "SUCCESSFUL"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type handleState int

const (
	handleQueued handleState = iota
	handleRunning
	handleSettled
)

// handle tracks one submitted job. All fields other than done are guarded
// by the scheduler's mutex.
type handle struct {
	id     string
	runner Runner
	state  handleState
	cancel context.CancelFunc
	killed bool
	result *JobResult
	err    error
	done   chan struct{}
}

func (h *handle) status() State {
	switch {
	case h.state != handleSettled:
		return StateRunning
	case h.killed:
		return StateKilled
	case h.err != nil:
		return StateFailed
	case h.result.Succeeded():
		return StateSuccessful
	}
	return StateFailed
}

// Scheduler runs jobs on a bounded pool of workers, in submission order.
type Scheduler struct {
	mu      sync.Mutex
	handles map[string]*handle
	queue   []*handle
	settled *lru.LRU
	closed  bool
	wake    chan struct{}
	sem     *semaphore.Weighted

	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*schedulerConfig)

type schedulerConfig struct {
	poolSize  int
	retention int
}

// WithPoolSize sets the number of jobs that may run at once.
func WithPoolSize(n int) SchedulerOption {
	return func(c *schedulerConfig) {
		c.poolSize = n
	}
}

// WithRetention bounds the number of settled jobs kept for Status and
// Result. The least recently settled jobs are forgotten first. Zero keeps
// every job.
func WithRetention(n int) SchedulerOption {
	return func(c *schedulerConfig) {
		c.retention = n
	}
}

// NewScheduler creates a Scheduler and starts its dispatcher.
func NewScheduler(options ...SchedulerOption) *Scheduler {
	c := &schedulerConfig{poolSize: 1}
	for _, f := range options {
		f(c)
	}
	if c.poolSize < 1 {
		c.poolSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		handles:  make(map[string]*handle),
		wake:     make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(int64(c.poolSize)),
		ctx:      ctx,
		shutdown: cancel,
	}

	if c.retention > 0 {
		// The evict callback runs while s.mu is held.
		s.settled, _ = lru.NewLRU(c.retention, func(key interface{}, _ interface{}) {
			id := key.(string)
			log.WithField("job", id).Debug("Evicting settled job")
			delete(s.handles, id)
		})
	}

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Submit registers id and queues runner. It does not wait for the job to
// start.
func (s *Scheduler) Submit(id string, runner Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if _, exists := s.handles[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	h := &handle{
		id:     id,
		runner: runner,
		state:  handleQueued,
		done:   make(chan struct{}),
	}
	s.handles[id] = h
	s.queue = append(s.queue, h)
	log.WithField("job", id).Debugf("Queued job (%d waiting)", len(s.queue))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status reports the state of job id.
func (s *Scheduler) Status(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return h.status(), nil
}

// Result waits for job id to settle and returns its result. It returns
// ErrJobKilled for a killed job and an *ExecutionError if the job could not
// run. If ctx ends first, ctx.Err() is returned and the job is unaffected.
func (s *Scheduler) Result(ctx context.Context, id string) (*JobResult, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case h.killed:
		return nil, ErrJobKilled
	case h.err != nil:
		return nil, h.err
	}
	return h.result, nil
}

// Kill cancels job id. A queued job never starts; a running job has its
// subprocesses killed. Kill reports false if the job had already settled.
func (s *Scheduler) Kill(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	switch h.state {
	case handleSettled:
		return false, nil
	case handleQueued:
		s.removeQueuedLocked(h)
	case handleRunning:
		h.cancel()
	}

	log.WithField("job", id).Info("Killed job")
	h.killed = true
	s.settleLocked(h, nil, nil)
	return true, nil
}

// Close kills every outstanding job and waits for the workers to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, h := range s.handles {
		if h.state == handleSettled {
			continue
		}
		if h.cancel != nil {
			h.cancel()
		}
		h.killed = true
		s.settleLocked(h, nil, nil)
	}
	s.queue = nil
	s.mu.Unlock()

	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) removeQueuedLocked(h *handle) {
	for i, queued := range s.queue {
		if queued == h {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) settleLocked(h *handle, result *JobResult, err error) {
	h.state = handleSettled
	h.result = result
	h.err = err
	h.runner = nil
	close(h.done)
	if s.settled != nil {
		s.settled.Add(h.id, nil)
	}
}

// next pops the oldest queued job, or returns nil if the queue is empty.
func (s *Scheduler) next() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	h := s.queue[0]
	s.queue = s.queue[1:]
	return h
}

// dispatch starts queued jobs in FIFO order as worker slots free up.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}

		h := s.next()
		for h == nil {
			select {
			case <-s.wake:
				h = s.next()
			case <-s.ctx.Done():
				s.sem.Release(1)
				return
			}
		}

		ctx, runner, ok := s.start(h)
		if !ok {
			s.sem.Release(1)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.execute(ctx, h, runner)
		}()
	}
}

// start marks h running unless it was killed while it waited for a slot.
func (s *Scheduler) start(h *handle) (context.Context, Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.state != handleQueued {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h.state = handleRunning
	h.cancel = cancel
	return ctx, h.runner, true
}

func (s *Scheduler) execute(ctx context.Context, h *handle, runner Runner) {
	logger := log.WithField("job", h.id)
	logger.Debug("Starting job")

	result, err := s.runSafely(ctx, runner)

	s.mu.Lock()
	defer s.mu.Unlock()
	h.cancel()

	if h.state == handleSettled {
		// Killed while running; the result is discarded.
		if result != nil {
			result.Remove()
		}
		return
	}

	if err == nil && result == nil {
		err = errors.New("runner returned no result")
	}
	if err != nil {
		logger.Errorf("Job failed: %s", err)
		err = &ExecutionError{JobID: h.id, Err: err}
	} else {
		logger.Infof("Job finished: map exited %d", result.Map.ExitCode)
	}
	s.settleLocked(h, result, err)
}

// runSafely runs runner, turning a panic into an error.
func (s *Scheduler) runSafely(ctx context.Context, runner Runner) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Job panicked: %v\n%s", r, debug.Stack())
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return runner.Run(ctx)
}
