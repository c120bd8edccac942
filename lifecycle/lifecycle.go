package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/google/uuid"
)

// Publisher is the narrow broker capability Manager needs: the ability
// to announce a transition into the reserved "system.**" namespace
// (spec §6). broker.Broker satisfies this directly.
type Publisher interface {
	PublishSystem(ctx context.Context, event amcp.Event) error
}

// Callback is the signature shared by onActivate, onDeactivate, and
// onDestroy (spec §4.5, §6).
type Callback func(ctx context.Context) error

// record is one agent's transition-locked state slot.
type record struct {
	mu      sync.Mutex
	state   State
	agentID amcp.AgentID
}

// Manager owns the agent state machine: atomic per-agent transitions,
// exactly-once callback invocation, and the subscription book's
// auto-release on any exit from ACTIVE (spec §4.5).
type Manager struct {
	source          string
	publisher       Publisher
	dispatcher      *Dispatcher
	store           EventStore
	book            *Book
	logger          amcp.Logger
	callbackTimeout time.Duration

	mu      sync.RWMutex
	records map[string]*record
}

// NewManager constructs a Manager. source is stamped as the Source of
// every transition announcement (the owning context's URI). publisher
// and dispatcher may be nil to disable, respectively, the broker-facing
// and in-process announcement paths.
func NewManager(source string, publisher Publisher, dispatcher *Dispatcher, store EventStore, book *Book, logger amcp.Logger, callbackTimeout time.Duration) *Manager {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	if callbackTimeout <= 0 {
		callbackTimeout = 30 * time.Second
	}
	return &Manager{
		source:          source,
		publisher:       publisher,
		dispatcher:      dispatcher,
		store:           store,
		book:            book,
		logger:          logger,
		callbackTimeout: callbackTimeout,
		records:         make(map[string]*record),
	}
}

// RegisterAgent adds id to the registry in state INACTIVE (spec §4.4).
func (m *Manager) RegisterAgent(id amcp.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id.String()]; exists {
		return ErrAgentAlreadyRegistered
	}
	m.records[id.String()] = &record{state: StateInactive, agentID: id}
	return nil
}

// RegisterMigrating registers id directly in MIGRATING, for the
// destination side of a mobility hand-off (spec §4.6 step 4), which
// never passes through INACTIVE.
func (m *Manager) RegisterMigrating(id amcp.AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[id.String()]; exists {
		return ErrAgentAlreadyRegistered
	}
	m.records[id.String()] = &record{state: StateMigrating, agentID: id}
	return nil
}

// Forget removes a DESTROYED agent's record. It is an error to forget
// an agent not in a terminal state.
func (m *Manager) Forget(id amcp.AgentID) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateDestroyed {
		return fmt.Errorf("%w: agent %s is not DESTROYED", ErrIllegalTransition, id)
	}
	m.mu.Lock()
	delete(m.records, id.String())
	m.mu.Unlock()
	return nil
}

func (m *Manager) getRecord(id amcp.AgentID) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id.String()]
	if !ok {
		return nil, ErrAgentUnknown
	}
	return rec, nil
}

// State reports id's current lifecycle state.
func (m *Manager) State(id amcp.AgentID) (State, error) {
	rec, err := m.getRecord(id)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state, nil
}

// Book exposes the subscription book so agentctx can Track handles
// acquired while an agent runs onActivate.
func (m *Manager) Book() *Book { return m.book }

// Activate runs onActivate under the per-agent lock and transitions
// INACTIVE->ACTIVE. A failing or panicking callback transitions the
// agent to FAILED instead (spec §4.4) and the error is returned.
func (m *Manager) Activate(ctx context.Context, id amcp.AgentID, onActivate Callback) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !canTransition(rec.state, StateActive) {
		return m.illegal(rec.state, StateActive)
	}
	from := rec.state

	cbErr := m.runCallback(ctx, onActivate)
	if cbErr != nil {
		rec.state = StateFailed
		m.announce(ctx, id, from, StateFailed, EventTypeFailed, EventStatusFailed, cbErr)
		return amcp.NewError(amcp.KindHandlerError, "onActivate failed", cbErr).WithRetryable(false)
	}
	rec.state = StateActive
	m.announce(ctx, id, from, StateActive, EventTypeActivated, EventStatusCompleted, nil)
	return nil
}

// Deactivate runs onDeactivate and transitions to INACTIVE regardless
// of the callback's outcome (spec §4.5: "does not prevent the
// transition from reaching its terminal state for onDeactivate"),
// releasing every subscription the book tracked for this agent.
func (m *Manager) Deactivate(ctx context.Context, id amcp.AgentID, onDeactivate Callback) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !canTransition(rec.state, StateInactive) {
		return m.illegal(rec.state, StateInactive)
	}
	from := rec.state

	cbErr := m.runCallback(ctx, onDeactivate)
	rec.state = StateInactive
	m.releaseScoped(id, from)

	status := EventStatusCompleted
	if cbErr != nil {
		status = EventStatusFailed
	}
	m.announce(ctx, id, from, StateInactive, EventTypeDeactivated, status, cbErr)
	return cbErr
}

// Destroy runs onDestroy and transitions to the terminal DESTROYED
// state regardless of the callback's outcome.
func (m *Manager) Destroy(ctx context.Context, id amcp.AgentID, onDestroy Callback) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !canTransition(rec.state, StateDestroyed) {
		return m.illegal(rec.state, StateDestroyed)
	}
	from := rec.state

	cbErr := m.runCallback(ctx, onDestroy)
	rec.state = StateDestroyed
	m.releaseScoped(id, from)

	status := EventStatusCompleted
	if cbErr != nil {
		status = EventStatusFailed
	}
	m.announce(ctx, id, from, StateDestroyed, EventTypeDestroyed, status, cbErr)
	return cbErr
}

// Suspend transitions ACTIVE->SUSPENDED, releasing scoped
// subscriptions like any other exit from ACTIVE.
func (m *Manager) Suspend(ctx context.Context, id amcp.AgentID) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateSuspended) {
		return m.illegal(rec.state, StateSuspended)
	}
	from := rec.state
	rec.state = StateSuspended
	m.releaseScoped(id, from)
	m.announce(ctx, id, from, StateSuspended, EventTypeSuspended, EventStatusCompleted, nil)
	return nil
}

// Resume transitions SUSPENDED->ACTIVE.
func (m *Manager) Resume(ctx context.Context, id amcp.AgentID) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateActive) {
		return m.illegal(rec.state, StateActive)
	}
	from := rec.state
	rec.state = StateActive
	m.announce(ctx, id, from, StateActive, EventTypeResumed, EventStatusCompleted, nil)
	return nil
}

// Fail forces a transition to FAILED from any non-terminal state,
// for use when the host detects an unrecoverable error outside a
// lifecycle callback (spec §4.5: "any -> FAILED").
func (m *Manager) Fail(ctx context.Context, id amcp.AgentID, cause error) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateFailed) {
		return m.illegal(rec.state, StateFailed)
	}
	from := rec.state
	rec.state = StateFailed
	m.releaseScoped(id, from)
	m.announce(ctx, id, from, StateFailed, EventTypeFailed, EventStatusFailed, cause)
	return nil
}

// BeginMigration runs onBeforeMigration(dest) and transitions
// ACTIVE->MIGRATING (spec §4.6 step 1). A failing callback aborts
// before any transition.
func (m *Manager) BeginMigration(ctx context.Context, id amcp.AgentID, dest string, onBeforeMigration func(ctx context.Context, dest string) error) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateMigrating) {
		return m.illegal(rec.state, StateMigrating)
	}
	from := rec.state
	if cbErr := m.runCallback(ctx, func(ctx context.Context) error { return onBeforeMigration(ctx, dest) }); cbErr != nil {
		return amcp.NewError(amcp.KindMigrationAborted, "onBeforeMigration failed", cbErr)
	}
	rec.state = StateMigrating
	m.announce(ctx, id, from, StateMigrating, EventTypeMigrationBegan, EventStatusCompleted, nil)
	return nil
}

// AbortMigration transitions MIGRATING->ACTIVE when a hand-off fails
// (spec §4.6: token send failure or ACK timeout).
func (m *Manager) AbortMigration(ctx context.Context, id amcp.AgentID) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateMigrating {
		return m.illegal(rec.state, StateActive)
	}
	rec.state = StateActive
	m.announce(ctx, id, StateMigrating, StateActive, EventTypeMigrationAbort, EventStatusFailed, nil)
	return nil
}

// CompleteMigrationAtSource transitions MIGRATING->INACTIVE once the
// destination ACKs (spec §4.6 step 5).
func (m *Manager) CompleteMigrationAtSource(ctx context.Context, id amcp.AgentID) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateInactive) {
		return m.illegal(rec.state, StateInactive)
	}
	rec.state = StateInactive
	m.releaseScoped(id, StateMigrating)
	m.announce(ctx, id, StateMigrating, StateInactive, EventTypeMigrationEnded, EventStatusCompleted, nil)
	return nil
}

// ActivateAfterMigration runs onAfterMigration(src) and transitions
// MIGRATING->ACTIVE at the destination (spec §4.6 step 4).
func (m *Manager) ActivateAfterMigration(ctx context.Context, id amcp.AgentID, src string, onAfterMigration func(ctx context.Context, src string) error) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !canTransition(rec.state, StateActive) {
		return m.illegal(rec.state, StateActive)
	}
	if cbErr := m.runCallback(ctx, func(ctx context.Context) error { return onAfterMigration(ctx, src) }); cbErr != nil {
		rec.state = StateFailed
		m.announce(ctx, id, StateMigrating, StateFailed, EventTypeFailed, EventStatusFailed, cbErr)
		return amcp.NewError(amcp.KindHandlerError, "onAfterMigration failed", cbErr)
	}
	rec.state = StateActive
	m.announce(ctx, id, StateMigrating, StateActive, EventTypeActivated, EventStatusCompleted, nil)
	return nil
}

func (m *Manager) releaseScoped(id amcp.AgentID, from State) {
	if from != StateActive || m.book == nil {
		return
	}
	if errs := m.book.ReleaseAll(id.String()); len(errs) > 0 {
		m.logger.Warn("errors releasing scoped subscriptions", "agent", id.String(), "count", len(errs))
	}
}

func (m *Manager) illegal(from, to State) error {
	return amcp.NewError(amcp.KindIllegalLifecycleTransition, fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, from, to), ErrIllegalTransition)
}

// runCallback executes fn with callbackTimeout and panic recovery, so a
// misbehaving agent callback can never hang or crash the transition
// (spec §5: "must not hold the lock across user callback I/O longer
// than the configured callbackTimeout").
func (m *Manager) runCallback(ctx context.Context, fn Callback) (err error) {
	if fn == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, m.callbackTimeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("lifecycle callback panicked: %v", r)
			}
		}()
		resultCh <- fn(callCtx)
	}()

	select {
	case err = <-resultCh:
		return err
	case <-callCtx.Done():
		return amcp.NewError(amcp.KindTimeoutError, "lifecycle callback exceeded callbackTimeout", callCtx.Err())
	}
}

func (m *Manager) announce(ctx context.Context, id amcp.AgentID, from, to State, evType EventType, status EventStatus, cause error) {
	eventID := uuid.New().String()
	te := &TransitionEvent{
		ID:        eventID,
		Type:      evType,
		AgentID:   id.String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Status:    status,
	}
	if cause != nil {
		te.Err = cause.Error()
	}

	if m.store != nil {
		if err := m.store.Store(ctx, te); err != nil {
			m.logger.Warn("failed storing transition event", "error", err)
		}
	}
	if m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx, te); err != nil {
			m.logger.Warn("failed dispatching transition event", "error", err)
		}
	}
	if m.publisher != nil {
		ev, err := amcp.NewBuilder(string(evType)).
			WithSource(m.source).
			WithSubject(id.String()).
			WithMetadata("from", string(from)).
			WithMetadata("to", string(to)).
			Build()
		if err != nil {
			m.logger.Warn("failed building transition announcement", "error", err)
			return
		}
		if err := m.publisher.PublishSystem(ctx, ev); err != nil {
			m.logger.Warn("failed publishing transition announcement", "error", err)
		}
	}
}
