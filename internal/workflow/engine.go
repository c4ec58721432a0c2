package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crestmark-data/ratings-sync/internal/resilience"
)

// Handler executes one task. The returned JSON feeds the next chain step or
// the barrier result slot.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// FailureHook observes a task abandoned after retry exhaustion. Hooks run on
// the worker goroutine and must not block for long.
type FailureHook func(ctx context.Context, task Task, err error)

// QueueSpec names a queue and sizes its worker pool.
type QueueSpec struct {
	Name    string
	Workers int
}

// Engine routes tasks to queues, runs worker pools, and resolves chains and
// barriers. One engine instance per process.
type Engine struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	queues    map[string]Queue
	specs     []QueueSpec
	barriers  BarrierStore
	onFailure []FailureHook
}

// NewEngine creates an engine with one in-memory queue per QueueSpec.
func NewEngine(barriers BarrierStore, specs []QueueSpec) *Engine {
	e := &Engine{
		handlers: make(map[string]Handler),
		queues:   make(map[string]Queue),
		specs:    specs,
		barriers: barriers,
	}
	for _, spec := range specs {
		e.queues[spec.Name] = newMemoryQueue()
	}
	return e
}

// Register binds a handler to a task name. Registering twice is a
// programming error and panics.
func (e *Engine) Register(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[name]; ok {
		panic("workflow: duplicate handler " + name)
	}
	e.handlers[name] = h
}

// OnFailure adds a hook for permanently failed tasks.
func (e *Engine) OnFailure(h FailureHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = append(e.onFailure, h)
}

func (e *Engine) queue(name string) (Queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, eris.Errorf("workflow: unknown queue %q", name)
	}
	return q, nil
}

// SubmitTask enqueues a standalone task. Never blocks.
func (e *Engine) SubmitTask(ctx context.Context, t Task) error {
	return e.enqueue(ctx, &message{Task: t})
}

// SubmitChain enqueues the first task of a chain; each task's result becomes
// the next task's payload. An empty chain is an error.
func (e *Engine) SubmitChain(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return eris.New("workflow: empty chain")
	}
	return e.enqueue(ctx, &message{Task: tasks[0], Chain: tasks[1:]})
}

// SubmitGroup enqueues parallel branch tasks joined by a barrier. When every
// branch has arrived, continuation runs with the ordered branch results as
// its payload. Returns the barrier id.
func (e *Engine) SubmitGroup(ctx context.Context, branches []Task, continuation Task) (string, error) {
	if len(branches) == 0 {
		return "", eris.New("workflow: empty group")
	}
	state := &BarrierState{
		ID:           uuid.New().String(),
		Expected:     len(branches),
		Continuation: continuation,
	}
	if err := e.barriers.Create(ctx, state); err != nil {
		return "", err
	}
	for i, t := range branches {
		if err := e.enqueue(ctx, &message{Task: t, BarrierID: state.ID, BarrierIndex: i}); err != nil {
			return "", err
		}
	}
	return state.ID, nil
}

func (e *Engine) enqueue(ctx context.Context, m *message) error {
	q, err := e.queue(m.Task.Queue)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, m)
}

// Run starts the worker pools and blocks until ctx is canceled. Workers
// drain nothing on shutdown; in-flight tasks finish, queued ones are lost
// (acceptable: submission is re-drivable from the job store).
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range e.specs {
		q := e.queues[spec.Name]
		workers := spec.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				e.workerLoop(ctx, q)
				return nil
			})
		}
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Resume releases barriers that completed before a restart but whose
// continuation never ran. Incomplete barriers cannot be resumed (their
// branch tasks lived in process memory) and are logged as orphaned.
func (e *Engine) Resume(ctx context.Context) error {
	states, err := e.barriers.Unreleased(ctx)
	if err != nil {
		return err
	}
	for i := range states {
		state := &states[i]
		if !state.Complete() {
			zap.L().Warn("orphaned barrier: branches lost at restart",
				zap.String("barrier_id", state.ID),
				zap.Int("arrived", state.Arrived),
				zap.Int("expected", state.Expected))
			continue
		}
		if err := e.release(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) workerLoop(ctx context.Context, q Queue) {
	for {
		m, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		e.execute(ctx, m)
	}
}

func (e *Engine) execute(ctx context.Context, m *message) {
	e.mu.RLock()
	h, ok := e.handlers[m.Task.Name]
	e.mu.RUnlock()
	if !ok {
		e.fail(ctx, m, eris.Errorf("workflow: no handler for task %q", m.Task.Name))
		return
	}

	policy := m.Task.Retry
	if policy == nil {
		p := DefaultRetryPolicy()
		policy = &p
	}
	cfg := resilience.RetryConfig{
		MaxAttempts:    policy.MaxAttempts,
		InitialBackoff: policy.InitialBackoff,
		MaxBackoff:     policy.MaxBackoff,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		OnRetry: func(attempt int, err error) {
			zap.L().Warn("retrying task",
				zap.String("task", m.Task.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}

	result, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (json.RawMessage, error) {
		return h(ctx, m.Task.Payload)
	})
	if err != nil {
		e.fail(ctx, m, err)
		return
	}
	e.succeed(ctx, m, result)
}

func (e *Engine) succeed(ctx context.Context, m *message, result json.RawMessage) {
	// Chain: result feeds the next task.
	if len(m.Chain) > 0 {
		next := m.Chain[0]
		if result != nil {
			next.Payload = result
		}
		if err := e.enqueue(ctx, &message{
			Task:         next,
			Chain:        m.Chain[1:],
			BarrierID:    m.BarrierID,
			BarrierIndex: m.BarrierIndex,
		}); err != nil {
			zap.L().Error("enqueue chain continuation failed",
				zap.String("task", next.Name), zap.Error(err))
		}
		return
	}
	if m.BarrierID != "" {
		e.arrive(ctx, m, result)
	}
}

func (e *Engine) fail(ctx context.Context, m *message, err error) {
	zap.L().Error("task failed permanently",
		zap.String("task", m.Task.Name),
		zap.String("queue", m.Task.Queue),
		zap.Error(err))

	e.mu.RLock()
	hooks := append([]FailureHook(nil), e.onFailure...)
	e.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, m.Task, err)
	}

	// A failed branch still arrives at its barrier, carrying an error
	// marker, so the join can release.
	if m.BarrierID != "" {
		e.arrive(ctx, m, newErrorResult(err))
	}
}

func (e *Engine) arrive(ctx context.Context, m *message, result json.RawMessage) {
	state, err := e.barriers.Arrive(ctx, m.BarrierID, m.BarrierIndex, result)
	if err != nil {
		zap.L().Error("barrier arrive failed",
			zap.String("barrier_id", m.BarrierID), zap.Error(err))
		return
	}
	if !state.Complete() {
		return
	}
	if err := e.release(ctx, state); err != nil {
		zap.L().Error("barrier release failed",
			zap.String("barrier_id", state.ID), zap.Error(err))
	}
}

// release enqueues the continuation with the ordered branch results.
func (e *Engine) release(ctx context.Context, state *BarrierState) error {
	payload, err := json.Marshal(state.Results)
	if err != nil {
		return eris.Wrap(err, "workflow: marshal barrier results")
	}
	cont := state.Continuation
	cont.Payload = payload
	if err := e.enqueue(ctx, &message{Task: cont}); err != nil {
		return err
	}
	return e.barriers.MarkReleased(ctx, state.ID)
}
