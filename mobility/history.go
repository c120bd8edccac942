package mobility

import (
	"sync"
	"time"
)

// Kind names which mobility operation produced a MigrationEvent.
type Kind string

const (
	KindDispatch  Kind = "dispatch"
	KindClone     Kind = "clone"
	KindRetract   Kind = "retract"
	KindMigrate   Kind = "migrate"
	KindReplicate Kind = "replicate"
)

// MigrationEvent records one completed or aborted hand-off, appended
// to the source engine's history (spec §4.6 step 5: "append
// MigrationEvent to history").
type MigrationEvent struct {
	AgentID string
	Kind    Kind
	Source  string
	Dest    string
	At      time.Time
	Aborted bool
	Err     string
}

// history is a simple append-only, per-agent migration log.
type history struct {
	mu      sync.Mutex
	records map[string][]MigrationEvent
}

func newHistory() *history {
	return &history{records: make(map[string][]MigrationEvent)}
}

func (h *history) append(agentID string, ev MigrationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[agentID] = append(h.records[agentID], ev)
}

// For returns agentID's migration history in chronological order.
func (h *history) For(agentID string) []MigrationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MigrationEvent, len(h.records[agentID]))
	copy(out, h.records[agentID])
	return out
}
