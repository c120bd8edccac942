// Package capability implements the AMCP capability registry (spec
// §4.7): agents advertise named capabilities, a TTL-based health
// monitor ages out stale advertisements, and the orchestrator resolves
// a capability name to a concrete agent through here.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/robfig/cron/v3"
)

// Publisher is the narrow broker capability Registry needs: the
// ability to announce into the reserved "registry.**" namespace (spec
// §6). broker.Broker satisfies this directly.
type Publisher interface {
	PublishSystem(ctx context.Context, event amcp.Event) error
}

// Status is a capability record's health verdict (spec §3,
// CapabilityRecord.status).
type Status int

const (
	Healthy Status = iota
	Suspect
	Dead
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Event types emitted via the broker (spec §4.7). Each also doubles as
// the event's topic, following the registered->reserved "registry.**"
// namespace.
const (
	EventRegistered = "registry.agent.registered"
	EventUnhealthy  = "registry.agent.unhealthy"
	EventRemoved    = "registry.agent.removed"
)

// Record is a point-in-time, copy-safe view of one agent's capability
// advertisement. Accessors return defensive copies of any mapping
// field so callers cannot mutate registry state through a Record they
// hold (spec §3: CapabilityRecord).
type Record struct {
	agentID       amcp.AgentID
	capabilities  map[string]struct{}
	description   string
	parameters    map[string]interface{}
	lastHeartbeat time.Time
	status        Status
}

func (r Record) AgentID() amcp.AgentID { return r.agentID }

func (r Record) Capabilities() []string {
	out := make([]string, 0, len(r.capabilities))
	for c := range r.capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r Record) Description() string { return r.description }

func (r Record) Parameters() map[string]interface{} {
	cp := make(map[string]interface{}, len(r.parameters))
	for k, v := range r.parameters {
		cp[k] = v
	}
	return cp
}

func (r Record) LastHeartbeat() time.Time { return r.lastHeartbeat }

// Status returns the record's health verdict as its wire string form
// ("HEALTHY"/"SUSPECT"/"DEAD"), for logging and event payloads.
func (r Record) Status() string { return r.status.String() }

// entry is the registry's internal mutable slot; Record snapshots are
// copied out of it under the read lock.
type entry struct {
	record       Record
	capabilities map[string]struct{}
}

// Registry is the in-process reference implementation of the
// capability registry (spec §4.7). All process-wide mutable state is
// guarded by a single read/write lock, matching the "shared-resource
// policy" of spec §5.
type Registry struct {
	source            string
	publisher         Publisher
	logger            amcp.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu           sync.RWMutex
	entries      map[string]*entry   // AgentID.String() -> entry
	byCapability map[string][]string // capability -> ordered AgentID.String() keys (insertion order)
	cursor       map[string]int      // capability -> round-robin cursor over HEALTHY records

	cron      *cron.Cron
	cronEntry cron.EntryID
	started   bool
}

// NewRegistry constructs a Registry. source is stamped as the Source
// of every registry.** announcement (the owning context's URI).
func NewRegistry(source string, publisher Publisher, logger amcp.Logger, heartbeatInterval, heartbeatTimeout time.Duration) *Registry {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	return &Registry{
		source:            source,
		publisher:         publisher,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		entries:           make(map[string]*entry),
		byCapability:      make(map[string][]string),
		cursor:            make(map[string]int),
	}
}

// Start brings up the TTL health monitor, sweeping at heartbeatInterval
// (spec §4.7). Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	c := cron.New()
	entryID, err := c.AddFunc(fmt.Sprintf("@every %s", r.heartbeatInterval), func() {
		r.sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("capability: scheduling health monitor: %w", err)
	}
	r.cron = c
	r.cronEntry = entryID
	c.Start()
	return nil
}

// Stop halts the health monitor. Safe to call even if Start was never
// called.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	c := r.cron
	r.mu.Unlock()

	if !started || c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

// Register advertises capabilities on behalf of agentID, replacing any
// prior advertisement for the same id, and emits
// registry.agent.registered (spec §4.7).
func (r *Registry) Register(ctx context.Context, agentID amcp.AgentID, capabilities []string, description string, parameters map[string]interface{}) error {
	if agentID.IsZero() {
		return amcp.NewError(amcp.KindValidationError, ErrAgentIDEmpty.Error(), ErrAgentIDEmpty)
	}
	if len(capabilities) == 0 {
		return amcp.NewError(amcp.KindValidationError, ErrNoCapabilities.Error(), ErrNoCapabilities)
	}

	key := agentID.String()
	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}
	params := make(map[string]interface{}, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}

	r.mu.Lock()
	if old, exists := r.entries[key]; exists {
		r.unindexLocked(key, old.capabilities)
	}
	e := &entry{
		capabilities: capSet,
		record: Record{
			agentID:       agentID,
			capabilities:  capSet,
			description:   description,
			parameters:    params,
			lastHeartbeat: time.Now(),
			status:        Healthy,
		},
	}
	r.entries[key] = e
	r.indexLocked(key, capSet)
	r.mu.Unlock()

	r.announce(ctx, EventRegistered, agentID, map[string]string{"capabilities": joinCaps(capabilities)})
	return nil
}

// Deregister removes agentID's advertisement entirely and emits
// registry.agent.removed.
func (r *Registry) Deregister(ctx context.Context, agentID amcp.AgentID) error {
	key := agentID.String()
	r.mu.Lock()
	old, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return amcp.NewError(amcp.KindValidationError, ErrAgentNotRegistered.Error(), ErrAgentNotRegistered)
	}
	r.unindexLocked(key, old.capabilities)
	delete(r.entries, key)
	r.mu.Unlock()

	r.announce(ctx, EventRemoved, agentID, nil)
	return nil
}

// Heartbeat refreshes agentID's LastHeartbeat and, if it had lapsed
// into SUSPECT, promotes it back to HEALTHY (spec §4.7's TTL window is
// reset by any fresh heartbeat).
func (r *Registry) Heartbeat(ctx context.Context, agentID amcp.AgentID) error {
	key := agentID.String()
	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		r.mu.Unlock()
		return amcp.NewError(amcp.KindValidationError, ErrAgentNotRegistered.Error(), ErrAgentNotRegistered)
	}
	e.record.lastHeartbeat = time.Now()
	e.record.status = Healthy
	r.mu.Unlock()
	return nil
}

// FindByCapability returns every non-DEAD agent currently advertising
// cap, HEALTHY records first (spec §4.7 operation: findByCapability).
func (r *Registry) FindByCapability(cap string) []amcp.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy, suspect []amcp.AgentID
	for _, key := range r.byCapability[cap] {
		e, ok := r.entries[key]
		if !ok {
			continue
		}
		switch e.record.status {
		case Healthy:
			healthy = append(healthy, e.record.agentID)
		case Suspect:
			suspect = append(suspect, e.record.agentID)
		}
	}
	return append(healthy, suspect...)
}

// SelectByCapability picks a single agent advertising cap, round-robin
// across HEALTHY records; if none are HEALTHY it falls back to SUSPECT
// in insertion order; DEAD records are never returned (spec §4.7 "Lookup
// tie-break"). Returns CapabilityNotFound when nothing matches.
func (r *Registry) SelectByCapability(cap string) (amcp.AgentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var healthyKeys []string
	for _, key := range r.byCapability[cap] {
		if e, ok := r.entries[key]; ok && e.record.status == Healthy {
			healthyKeys = append(healthyKeys, key)
		}
	}
	if len(healthyKeys) > 0 {
		idx := r.cursor[cap] % len(healthyKeys)
		r.cursor[cap] = (r.cursor[cap] + 1) % len(healthyKeys)
		return r.entries[healthyKeys[idx]].record.agentID, nil
	}

	for _, key := range r.byCapability[cap] {
		if e, ok := r.entries[key]; ok && e.record.status == Suspect {
			return e.record.agentID, nil
		}
	}

	return amcp.AgentID{}, amcp.NewError(amcp.KindCapabilityNotFound, fmt.Sprintf("no agent advertises capability %q", cap), ErrCapabilityNotFound)
}

// AvailableCapabilities returns the sorted set of capability names
// currently advertised by at least one non-DEAD record, for handing to
// an orchestrator's planner (spec §4.8 step 2).
func (r *Registry) AvailableCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCapability))
	for cap := range r.byCapability {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}

// List returns a snapshot of every registered record, in no particular
// order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record)
	}
	return out
}

func (r *Registry) indexLocked(key string, capabilities map[string]struct{}) {
	for c := range capabilities {
		r.byCapability[c] = append(r.byCapability[c], key)
	}
}

func (r *Registry) unindexLocked(key string, capabilities map[string]struct{}) {
	for c := range capabilities {
		keys := r.byCapability[c]
		for i, k := range keys {
			if k == key {
				r.byCapability[c] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(r.byCapability[c]) == 0 {
			delete(r.byCapability, c)
			delete(r.cursor, c)
		}
	}
}

// sweep is the health-monitor tick (spec §4.7): records silent past
// heartbeatTimeout degrade to SUSPECT; records silent past
// 2*heartbeatTimeout are removed entirely.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var toUnhealthy, toRemove []Record
	for key, e := range r.entries {
		age := now.Sub(e.record.lastHeartbeat)
		switch {
		case age > 2*r.heartbeatTimeout:
			toRemove = append(toRemove, e.record)
			r.unindexLocked(key, e.capabilities)
			delete(r.entries, key)
		case age > r.heartbeatTimeout && e.record.status == Healthy:
			e.record.status = Suspect
			toUnhealthy = append(toUnhealthy, e.record)
		}
	}
	r.mu.Unlock()

	for _, rec := range toUnhealthy {
		r.announce(ctx, EventUnhealthy, rec.agentID, nil)
	}
	for _, rec := range toRemove {
		r.announce(ctx, EventRemoved, rec.agentID, nil)
	}
}

func (r *Registry) announce(ctx context.Context, topic string, agentID amcp.AgentID, extra map[string]string) {
	if r.publisher == nil {
		return
	}
	b := amcp.NewBuilder(topic).
		WithSource(r.source).
		WithSubject(agentID.String()).
		WithCorrelationID(agentID.String())
	for k, v := range extra {
		b = b.WithMetadata(k, v)
	}
	ev, err := b.Build()
	if err != nil {
		r.logger.Warn("failed building registry announcement", "error", err)
		return
	}
	if err := r.publisher.PublishSystem(ctx, ev); err != nil {
		r.logger.Warn("failed publishing registry announcement", "error", err)
	}
}

func joinCaps(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
