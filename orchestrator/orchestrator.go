// Package orchestrator implements the AMCP task orchestrator (spec
// §4.8): it decomposes a user request via an external planner, fans
// the resulting tasks out as correlated task.request events in
// dependency order, collects task.response events back, and
// synthesizes a final result once every task has settled or the
// session deadline expires.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/broker"
	"github.com/google/uuid"
)

// Topics in the reserved "task.**" namespace (spec §6).
const (
	TopicRequest  = "task.request"
	TopicResponse = "task.response"
	TopicCancel   = "task.cancel"
)

// Planner is the external collaborator that turns a user request into
// a TaskPlan and, once every task has resolved, synthesizes the final
// result (spec §4.8 steps 2 and 6). Concrete planners (LLM-backed or
// otherwise) live outside the core; spec §1 places them out of scope.
type Planner interface {
	Plan(ctx context.Context, userRequest string, availableCapabilities []string) (TaskPlan, error)
	Synthesize(ctx context.Context, userRequest string, results map[string]TaskResult) (interface{}, error)
}

// CapabilityResolver is the narrow slice of the capability registry
// (§4.7) the orchestrator needs: resolving a capability name to one
// concrete agent (with the registry's own HEALTHY/SUSPECT tie-break),
// and the set of capabilities currently advertised by anyone.
type CapabilityResolver interface {
	SelectByCapability(cap string) (amcp.AgentID, error)
	AvailableCapabilities() []string
}

// Orchestrator is the in-process reference implementation of spec
// §4.8. It addresses task.request events to a specific agent (chosen
// via CapabilityResolver) through metadata rather than routing on
// topic alone, so that exactly one advertiser of a capability acts on
// each task even though every subscriber on TopicRequest observes it.
type Orchestrator struct {
	selfID   amcp.AgentID
	source   string
	br       broker.Broker
	resolver CapabilityResolver
	planner  Planner
	logger   amcp.Logger
	deadline time.Duration
}

// New constructs an Orchestrator. source is stamped as the Source of
// every event it publishes (the owning context's URI); deadline is the
// default session wall-clock budget (spec §4.8, default 60s).
func New(source string, br broker.Broker, resolver CapabilityResolver, planner Planner, logger amcp.Logger, deadline time.Duration) *Orchestrator {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Orchestrator{
		selfID:   amcp.AgentID{Type: "orchestrator", ID: uuid.New().String()},
		source:   source,
		br:       br,
		resolver: resolver,
		planner:  planner,
		logger:   logger,
		deadline: deadline,
	}
}

// Orchestrate runs the full workflow of spec §4.8 for one user request
// and returns the planner's synthesized value alongside the per-task
// status summary. A session-scoped deadline bounds the whole call;
// ctx cancellation aborts earlier still.
func (o *Orchestrator) Orchestrate(ctx context.Context, userRequest string) (Result, error) {
	if userRequest == "" {
		return Result{}, amcp.NewError(amcp.KindValidationError, ErrEmptyRequest.Error(), ErrEmptyRequest)
	}

	correlationID := uuid.New().String()
	plan, err := o.planner.Plan(ctx, userRequest, o.resolver.AvailableCapabilities())
	if err != nil {
		return Result{}, err
	}

	order, err := topoSort(plan.Tasks)
	if err != nil {
		return Result{}, amcp.NewError(amcp.KindValidationError, err.Error(), err).WithCorrelation(correlationID)
	}

	deadlineAt := time.Now().Add(o.deadline)
	session := newSession(correlationID, userRequest, plan.Tasks, deadlineAt)
	session.State = StateDispatched

	sessCtx, cancel := context.WithDeadline(ctx, deadlineAt)
	defer cancel()

	byID := make(map[string]Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	responseCh := make(map[string]chan TaskResult, len(plan.Tasks))
	for _, t := range plan.Tasks {
		responseCh[t.ID] = make(chan TaskResult, 1)
	}

	handle, err := o.subscribeResponses(correlationID, responseCh)
	if err != nil {
		return Result{}, err
	}
	defer o.br.Unsubscribe(handle)

	done := make(map[string]chan struct{}, len(plan.Tasks))
	for _, t := range plan.Tasks {
		done[t.ID] = make(chan struct{})
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	session.State = StateCollecting

	for _, id := range order {
		t := byID[id]
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer close(done[t.ID])

			skip := o.awaitDependencies(sessCtx, t, byID, done, &mu, session)
			if skip {
				mu.Lock()
				session.CollectedResults[t.ID] = TaskResult{TaskID: t.ID, Status: TaskSkipped}
				delete(session.PendingTaskIDs, t.ID)
				mu.Unlock()
				return
			}

			result := o.dispatchTask(sessCtx, correlationID, t, responseCh[t.ID])
			mu.Lock()
			session.CollectedResults[t.ID] = result
			delete(session.PendingTaskIDs, t.ID)
			mu.Unlock()
		}(t)
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	<-waitDone

	// Every per-task goroutine also exits as soon as sessCtx is done, so
	// waitDone always closes by the deadline; check sessCtx's own error
	// rather than racing a second select against it (spec §4.8: "on
	// expiry, remaining tasks are cancelled... session state becomes
	// FAILED").
	if sessCtx.Err() != nil {
		o.cancelRemaining(correlationID, session)
		mu.Lock()
		session.State = StateFailed
		mu.Unlock()
		return Result{TaskResults: copyResults(session.CollectedResults)}, amcp.NewError(amcp.KindTimeoutError, "orchestration session deadline exceeded", ErrSessionDeadline).WithCorrelation(correlationID)
	}

	session.State = StateSynthesizing
	value, err := o.planner.Synthesize(ctx, userRequest, copyResults(session.CollectedResults))
	if err != nil {
		session.State = StateFailed
		return Result{TaskResults: copyResults(session.CollectedResults)}, err
	}
	session.State = StateCompleted
	return Result{Value: value, TaskResults: copyResults(session.CollectedResults)}, nil
}

// awaitDependencies blocks until every task t depends on has settled,
// then reports whether t must be skipped because a required
// (non-optional) predecessor failed (spec §4.8: "propagate to
// dependents unless task was optional=true").
func (o *Orchestrator) awaitDependencies(ctx context.Context, t Task, byID map[string]Task, done map[string]chan struct{}, mu *sync.Mutex, session *Session) bool {
	for _, depID := range t.DependsOn {
		ch, ok := done[depID]
		if !ok {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return true
		}
		mu.Lock()
		depResult, seen := session.CollectedResults[depID]
		mu.Unlock()
		if !seen {
			continue
		}
		if depResult.Status == TaskFailed || depResult.Status == TaskSkipped || depResult.Status == TaskCancelled {
			if dep, ok := byID[depID]; !ok || !dep.Optional {
				return true
			}
		}
	}
	return false
}

// dispatchTask resolves t.Capability to one advertising agent,
// publishes a correlated task.request addressed to it, and waits for
// either a matching task.response or the session deadline.
func (o *Orchestrator) dispatchTask(ctx context.Context, correlationID string, t Task, resultCh chan TaskResult) TaskResult {
	target, err := o.resolver.SelectByCapability(t.Capability)
	if err != nil {
		return TaskResult{TaskID: t.ID, Err: err, Status: TaskFailed}
	}

	ev, err := amcp.NewBuilder(TopicRequest).
		WithSource(o.source).
		WithSubject(t.Capability).
		WithCorrelationID(correlationID).
		WithSender(o.selfID).
		WithData(t.Parameters).
		WithMetadata("taskId", t.ID).
		WithMetadata("targetAgentId", target.String()).
		Build()
	if err != nil {
		return TaskResult{TaskID: t.ID, Err: err, Status: TaskFailed}
	}
	if err := o.br.PublishSystem(ctx, ev); err != nil {
		return TaskResult{TaskID: t.ID, Err: err, Status: TaskFailed}
	}

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return TaskResult{TaskID: t.ID, Err: ctx.Err(), Status: TaskCancelled}
	}
}

// subscribeResponses opens one subscription on TopicResponse that
// demultiplexes incoming events to the per-task channel named by the
// "taskId" metadata entry, ignoring anything whose correlation id
// doesn't match this session (spec §8 testable property 4:
// "uncorrelated responses are ignored").
func (o *Orchestrator) subscribeResponses(correlationID string, responseCh map[string]chan TaskResult) (broker.Handle, error) {
	return o.br.Subscribe(TopicResponse, func(ctx context.Context, event amcp.Event) error {
		if event.CorrelationID() != correlationID {
			return nil
		}
		meta := event.Metadata()
		taskID := meta["taskId"]
		ch, ok := responseCh[taskID]
		if !ok {
			return nil
		}
		result := TaskResult{TaskID: taskID, Data: event.Data().Structured, Status: TaskSucceeded}
		if meta["status"] == "error" {
			result.Status = TaskFailed
			result.Err = fmt.Errorf("task %s failed: %s", taskID, meta["error"])
		}
		select {
		case ch <- result:
		default:
		}
		return nil
	}, o.selfID)
}

// cancelRemaining publishes a single task.cancel event carrying the
// session's correlation id when the session deadline fires; it covers
// every task still pending in that session (spec §4.8: "remaining tasks
// are cancelled (publish task.cancel with correlation)").
func (o *Orchestrator) cancelRemaining(correlationID string, session *Session) {
	ev, err := amcp.NewBuilder(TopicCancel).
		WithSource(o.source).
		WithCorrelationID(correlationID).
		WithSender(o.selfID).
		Build()
	if err != nil {
		o.logger.Warn("failed building task.cancel event", "error", err)
		return
	}
	if err := o.br.PublishSystem(context.Background(), ev); err != nil {
		o.logger.Warn("failed publishing task.cancel", "error", err)
	}
}

func copyResults(in map[string]TaskResult) map[string]TaskResult {
	out := make(map[string]TaskResult, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// topoSort orders tasks so every dependency precedes its dependents,
// detecting cycles and references to unknown task ids (spec §4.8 step
// 3: "Topologically order tasks").
func topoSort(tasks []Task) ([]string, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var order []string
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: involves %s", ErrCyclicDependency, id)
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}
	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
