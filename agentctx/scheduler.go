package agentctx

import (
	"context"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
)

// Task is one unit of work submitted to a Scheduler for a given agent.
type Task func(ctx context.Context) error

// lane is one agent's logical execution lane: tasks submitted for the
// same agent run one at a time, in submission order, while distinct
// agents' lanes run concurrently up to the Scheduler's worker pool
// bound. Grounded on the teacher's scheduler.Scheduler worker-pool loop
// (modules/scheduler/scheduler.go), generalized from "N workers drain
// one shared queue" to "N workers drain per-agent queues that never
// run two tasks from the same agent at once".
type lane struct {
	mu      sync.Mutex
	pending []Task
	running bool
}

// Scheduler runs per-agent lanes over a bounded worker pool (spec
// §4.4: "each active agent owns a single logical execution lane...
// distinct agents run in parallel, bounded by a context-wide worker
// pool"). A semaphore of size poolSize caps total concurrent task
// executions across all lanes.
type Scheduler struct {
	logger  amcp.Logger
	timeout time.Duration
	sem     chan struct{}

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewScheduler creates a Scheduler with the given worker pool size and
// per-task timeout (the context's configured CallbackTimeout).
func NewScheduler(poolSize int, timeout time.Duration, logger amcp.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 1
	}
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	return &Scheduler{
		logger:  logger,
		timeout: timeout,
		sem:     make(chan struct{}, poolSize),
		lanes:   make(map[string]*lane),
	}
}

// Submit enqueues task on agentID's lane. It returns immediately; the
// task runs asynchronously, serialized against every other task
// already queued for the same agent. Submit takes no context: the task
// gets its own timeout-bounded context derived from the Scheduler's
// configured task timeout, matching the "submit and forget, bounded
// execution" model handlers rely on.
func (s *Scheduler) Submit(agentID string, task Task) {
	s.mu.Lock()
	l, ok := s.lanes[agentID]
	if !ok {
		l = &lane{}
		s.lanes[agentID] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	l.pending = append(l.pending, task)
	shouldStart := !l.running
	if shouldStart {
		l.running = true
	}
	l.mu.Unlock()

	if shouldStart {
		go s.drain(agentID, l)
	}
}

// drain runs l's queued tasks one at a time until empty, acquiring the
// shared semaphore for the duration of each task so the total number
// of tasks executing across every lane never exceeds the pool size.
func (s *Scheduler) drain(agentID string, l *lane) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		task := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		s.sem <- struct{}{}
		s.runOne(agentID, task)
		<-s.sem
	}
}

func (s *Scheduler) runOne(agentID string, task Task) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.safeRun(ctx, task); err != nil {
		s.logger.Warn("agent task failed", "agent", agentID, "error", err)
	}
}

func (s *Scheduler) safeRun(ctx context.Context, task Task) (err error) {
	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- amcp.NewError(amcp.KindHandlerError, "agent task panicked", nil)
			}
		}()
		resultCh <- task(ctx)
	}()
	select {
	case err = <-resultCh:
		return err
	case <-ctx.Done():
		return amcp.NewError(amcp.KindTimeoutError, "agent task exceeded callback timeout", ctx.Err())
	}
}

// Drain blocks until agentID's lane is idle (no task running or
// pending) or deadline elapses, whichever comes first. Used by
// deactivate/destroy to honor the bounded in-flight-task drain (spec
// §4.4) before releasing the agent's resources.
func (s *Scheduler) Drain(agentID string, deadline time.Duration) bool {
	s.mu.Lock()
	l, ok := s.lanes[agentID]
	s.mu.Unlock()
	if !ok {
		return true
	}

	deadlineAt := time.Now().Add(deadline)
	for time.Now().Before(deadlineAt) {
		l.mu.Lock()
		idle := !l.running && len(l.pending) == 0
		l.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// Drop removes agentID's lane entirely. Any tasks still pending when
// Drop is called are abandoned; callers should Drain first.
func (s *Scheduler) Drop(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lanes, agentID)
}
