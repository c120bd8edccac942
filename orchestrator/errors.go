package orchestrator

import "errors"

// Sentinel errors for the orchestrator (spec §4.8).
var (
	ErrEmptyRequest      = errors.New("orchestrator: user request must not be empty")
	ErrCyclicDependency  = errors.New("orchestrator: task plan contains a dependency cycle")
	ErrUnknownDependency = errors.New("orchestrator: task depends on an id not present in the plan")
	ErrSessionDeadline   = errors.New("orchestrator: session deadline exceeded")
)
