// Package lifecycle implements the AMCP agent state machine (spec
// §4.5): legal transitions, exactly-once callback invocation, the
// per-agent subscription book, and an in-process fan-out of transition
// announcements to interested observers with priority ordering and a
// bounded per-observer timeout.
package lifecycle

import (
	"context"
	"time"
)

// EventDispatcher fans a TransitionEvent out to every registered
// Observer interested in its Type, highest Priority first.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *TransitionEvent) error
	RegisterObserver(ctx context.Context, observer Observer) error
	UnregisterObserver(ctx context.Context, observerID string) error
	GetObservers(ctx context.Context) ([]Observer, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Observer reacts to agent transition announcements, e.g. the
// capability registry marking an agent unhealthy on FAILED, or a
// metrics bridge counting transitions by type.
type Observer interface {
	OnEvent(ctx context.Context, event *TransitionEvent) error
	ID() string
	EventTypes() []EventType
	// Priority orders observers for a given event; higher runs first.
	Priority() int
}

// EventStore persists TransitionEvents for later audit/query.
type EventStore interface {
	Store(ctx context.Context, event *TransitionEvent) error
	Get(ctx context.Context, eventID string) (*TransitionEvent, error)
	Query(ctx context.Context, criteria *QueryCriteria) ([]*TransitionEvent, error)
	GetEventHistory(ctx context.Context, agentID string, since time.Time) ([]*TransitionEvent, error)
}

// TransitionEvent records one agent state transition (spec §4.5) or a
// callback failure observed along the way.
type TransitionEvent struct {
	ID            string
	Type          EventType
	AgentID       string // AgentID.String()
	Timestamp     time.Time
	From          State
	To            State
	Status        EventStatus
	Message       string
	Err           string
	Duration      time.Duration
	CorrelationID string
}

// EventType names the kind of transition announcement, mirrored onto
// the broker's reserved "system.**" topic namespace (spec §6) by
// Manager.announce.
type EventType string

const (
	EventTypeActivated       EventType = "system.agent.activated"
	EventTypeDeactivated     EventType = "system.agent.deactivated"
	EventTypeDestroyed       EventType = "system.agent.destroyed"
	EventTypeSuspended       EventType = "system.agent.suspended"
	EventTypeResumed         EventType = "system.agent.resumed"
	EventTypeFailed          EventType = "system.agent.failed"
	EventTypeMigrationBegan  EventType = "system.agent.migration.began"
	EventTypeMigrationEnded  EventType = "system.agent.migration.ended"
	EventTypeMigrationAbort  EventType = "system.agent.migration.aborted"
)

// EventStatus reports whether the transition's callback succeeded.
type EventStatus string

const (
	EventStatusCompleted EventStatus = "completed"
	EventStatusFailed    EventStatus = "failed"
)

// QueryCriteria filters EventStore.Query.
type QueryCriteria struct {
	EventTypes []EventType
	AgentIDs   []string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// DispatchConfig configures a Dispatcher.
type DispatchConfig struct {
	BufferSize      int
	ObserverTimeout time.Duration
}

// DefaultDispatchConfig matches the broker's default callback timeout
// so an observer never outlives the transition it is reacting to.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{BufferSize: 1000, ObserverTimeout: 30 * time.Second}
}

// EventMetrics tallies dispatcher activity.
type EventMetrics struct {
	TotalEvents      int64
	EventsByType     map[EventType]int64
	FailedDispatches int64
	ObserverErrors   int64
	ObserverPanics   int64
	ObserverTimeouts int64
}
