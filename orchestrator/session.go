package orchestrator

import (
	"time"
)

// State is the OrchestrationSession state machine (spec §3).
type State string

const (
	StatePlanning     State = "PLANNING"
	StateDispatched    State = "DISPATCHED"
	StateCollecting   State = "COLLECTING"
	StateSynthesizing State = "SYNTHESIZING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
)

// Task is one unit of work in a TaskPlan returned by a Planner: a
// capability to route to, its parameters, and an optional dependency
// set expressed as predecessor task ids (spec §4.8 step 2-3).
type Task struct {
	ID         string
	Capability string
	Parameters map[string]interface{}
	DependsOn  []string
	// Optional marks a task whose failure must not cascade to its
	// dependents (spec §4.8: "propagate to dependents unless task was
	// optional=true").
	Optional bool
}

// TaskPlan is the decomposition a Planner produces for one user
// request (spec §4.8 step 2).
type TaskPlan struct {
	Tasks []Task
}

// TaskResult is one task's outcome, collected by correlation id and
// task id (spec §4.8 step 4-5).
type TaskResult struct {
	TaskID string
	Data   interface{}
	Err    error
	Status TaskStatus
}

// TaskStatus summarizes how a task resolved.
type TaskStatus string

const (
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped" // cascaded failure from a required predecessor
	TaskCancelled TaskStatus = "cancelled"
)

// Session is the bookkeeping record for one in-flight orchestration
// (spec §3, OrchestrationSession). It is owned by a single Orchestrate
// call; the orchestrator does not share Sessions across goroutines
// beyond that call's own dispatch/collect workers.
type Session struct {
	CorrelationID    string
	OriginalRequest  string
	PlanTasks        []Task
	PendingTaskIDs   map[string]struct{}
	CollectedResults map[string]TaskResult
	Deadline         time.Time
	State            State
}

func newSession(correlationID, request string, tasks []Task, deadline time.Time) *Session {
	pending := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = struct{}{}
	}
	return &Session{
		CorrelationID:    correlationID,
		OriginalRequest:  request,
		PlanTasks:        tasks,
		PendingTaskIDs:   pending,
		CollectedResults: make(map[string]TaskResult, len(tasks)),
		Deadline:         deadline,
		State:            StatePlanning,
	}
}

// Result is what Orchestrate returns: the planner's synthesized value
// plus the per-task status summary spec §7 calls for ("orchestrator
// surfaces a structured failure summary... rather than the first
// error").
type Result struct {
	Value       interface{}
	TaskResults map[string]TaskResult
}
