package agentctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/broker"
	"github.com/amcp-go/amcp/lifecycle"
	"github.com/google/uuid"
)

// registration pairs an agent instance with its AgentID. The
// subscription handles the context opened on the agent's behalf are
// kept separately in Context.subsByAgent.
type registration struct {
	instance AgentCore
	agentID  amcp.AgentID
}

// SubscriptionDescriptor records one subscription an agent holds, so
// the mobility engine can both fill the MigrationToken's informational
// "subscriptions" field and re-establish the same subscriptions at the
// destination context after a hand-off (spec §4.6 step 4).
type SubscriptionDescriptor struct {
	Pattern string
	Handler broker.Handler
	Opts    []broker.SubscribeOption
}

// Context owns a set of agents, routes broker-delivered events into
// their handlers through per-agent serialized lanes, and is the
// publish/subscribe facade agents use (spec §4.4). It is the
// composition root tying the lifecycle state machine, the broker, and
// the Scheduler together.
type Context struct {
	uri     string // stamped as Source on every event this context publishes
	broker  broker.Broker
	mgr     *lifecycle.Manager
	sched   *Scheduler
	logger  amcp.Logger
	drain   time.Duration

	mu           sync.RWMutex
	instances    map[string]*registration // AgentID.String() -> registration
	subsByAgent  map[string][]broker.Handle
	descriptors  map[string][]SubscriptionDescriptor

	bufferMu  sync.Mutex
	buffering map[string]bool
	buffered  map[string][]amcp.Event
}

// New constructs a Context. uri is this context's URI stamped as the
// Source of every event it publishes and every lifecycle announcement
// its Manager makes (spec §6).
func New(uri string, b broker.Broker, mgr *lifecycle.Manager, workerPoolSize int, callbackTimeout, drainTimeout time.Duration, logger amcp.Logger) *Context {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	return &Context{
		uri:         uri,
		broker:      b,
		mgr:         mgr,
		sched:       NewScheduler(workerPoolSize, callbackTimeout, logger),
		logger:      logger,
		drain:       drainTimeout,
		instances:   make(map[string]*registration),
		subsByAgent: make(map[string][]broker.Handle),
		descriptors: make(map[string][]SubscriptionDescriptor),
		buffering:   make(map[string]bool),
		buffered:    make(map[string][]amcp.Event),
	}
}

// RegisterAgent adds instance to the context in lifecycle state
// INACTIVE (spec §4.4) and returns its freshly assigned AgentID.
// agentType is the declared type stamped into the AgentID (spec §3).
func (c *Context) RegisterAgent(agentType string, instance AgentCore) (amcp.AgentID, error) {
	if instance == nil {
		return amcp.AgentID{}, ErrAgentInstanceNil
	}
	id := amcp.AgentID{Type: agentType, ID: uuid.New().String()}
	return id, c.registerWithID(id, instance, c.mgr.RegisterAgent)
}

// RegisterAgentWithID is RegisterAgent with a caller-supplied id, used
// by the mobility engine to reconstruct an agent at a destination
// context under its original identity.
func (c *Context) RegisterAgentWithID(id amcp.AgentID, instance AgentCore) error {
	if instance == nil {
		return ErrAgentInstanceNil
	}
	return c.registerWithID(id, instance, c.mgr.RegisterAgent)
}

// RegisterAgentMigrating registers instance directly in lifecycle
// state MIGRATING, for the destination side of a mobility hand-off
// (spec §4.6 step 4), which never passes through INACTIVE.
func (c *Context) RegisterAgentMigrating(id amcp.AgentID, instance AgentCore) error {
	if instance == nil {
		return ErrAgentInstanceNil
	}
	return c.registerWithID(id, instance, c.mgr.RegisterMigrating)
}

func (c *Context) registerWithID(id amcp.AgentID, instance AgentCore, register func(amcp.AgentID) error) error {
	if err := register(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.instances[id.String()] = &registration{instance: instance, agentID: id}
	c.mu.Unlock()
	return nil
}

// Activate runs the agent's onActivate callback and transitions it
// INACTIVE->ACTIVE under the lifecycle manager's per-agent lock.
func (c *Context) Activate(ctx context.Context, id amcp.AgentID) error {
	reg, err := c.lookup(id)
	if err != nil {
		return err
	}
	return c.mgr.Activate(ctx, id, reg.instance.OnActivate)
}

// Deactivate runs onDeactivate, releases subscriptions the book
// tracked for this agent, and drains its lane with a bounded timeout
// before returning (spec §4.4).
func (c *Context) Deactivate(ctx context.Context, id amcp.AgentID) error {
	reg, err := c.lookup(id)
	if err != nil {
		return err
	}
	err = c.mgr.Deactivate(ctx, id, reg.instance.OnDeactivate)
	c.sched.Drain(id.String(), c.drain)
	c.ReleaseLocal(id)
	return err
}

// UnsubscribeAgent releases every broker subscription this context
// opened for id and clears the context's local bookkeeping for it.
// Subscriptions another context opened for the same id on a shared
// broker are left alone. Used by the mobility engine at the source
// context once a hand-off completes (spec §4.6 step 5: "release
// subscriptions locally").
func (c *Context) UnsubscribeAgent(id amcp.AgentID) error {
	c.mu.RLock()
	handles := append([]broker.Handle(nil), c.subsByAgent[id.String()]...)
	c.mu.RUnlock()
	var firstErr error
	for _, h := range handles {
		if err := c.broker.Unsubscribe(h); err != nil && err != broker.ErrUnknownHandle && firstErr == nil {
			firstErr = err
		}
	}
	c.ReleaseLocal(id)
	return firstErr
}

// ReleaseLocal clears the context's own bookkeeping (subscription
// descriptors and handles) for id, without touching its lifecycle
// state or lane. Called after Deactivate/Destroy and by the mobility
// engine once the source side of a hand-off has released its
// subscriptions (spec §4.6 step 5).
func (c *Context) ReleaseLocal(id amcp.AgentID) {
	c.mu.Lock()
	delete(c.subsByAgent, id.String())
	delete(c.descriptors, id.String())
	c.mu.Unlock()
}

// Destroy runs onDestroy, transitions the agent to the terminal
// DESTROYED state, drains its lane, and removes it from the context.
func (c *Context) Destroy(ctx context.Context, id amcp.AgentID) error {
	reg, err := c.lookup(id)
	if err != nil {
		return err
	}
	destroyErr := c.mgr.Destroy(ctx, id, reg.instance.OnDestroy)
	c.sched.Drain(id.String(), c.drain)
	c.sched.Drop(id.String())
	c.ReleaseLocal(id)

	c.mu.Lock()
	delete(c.instances, id.String())
	c.mu.Unlock()

	return destroyErr
}

// Publish forwards event to the broker with Source set from this
// context's URI and sender stamped from the caller (spec §4.4:
// "forwards to broker with source set from context URI and sender
// stamped").
func (c *Context) Publish(ctx context.Context, event amcp.Event, sender amcp.AgentID) error {
	builder := amcp.NewBuilder(event.Topic()).
		WithID(event.ID()).
		WithType(event.Type()).
		WithSource(c.uri).
		WithSubject(event.Subject()).
		WithTime(event.Time()).
		WithDataContentType(event.DataContentType()).
		WithDataSchema(event.DataSchema()).
		WithCorrelationID(event.CorrelationID()).
		WithSender(sender)
	if event.HasExplicitDeliveryOptions() {
		builder = builder.WithDeliveryOptions(event.DeliveryOptions())
	}
	if data := event.Data(); data.Structured != nil {
		builder = builder.WithData(data.Structured)
	} else if data.Bytes != nil {
		builder = builder.WithBytes(event.DataContentType(), data.Bytes)
	}
	for k, v := range event.Metadata() {
		builder = builder.WithMetadata(k, v)
	}
	stamped, err := builder.Build()
	if err != nil {
		return err
	}
	return c.broker.Publish(ctx, stamped)
}

// Deliver submits event directly to id's serialized lane, bypassing
// the broker. Used by the mobility engine to replay a migrating
// agent's queuedEvents into its lane in original order before
// re-establishing its subscriptions (spec §4.6 step 4).
func (c *Context) Deliver(ctx context.Context, id amcp.AgentID, event amcp.Event) error {
	reg, err := c.lookup(id)
	if err != nil {
		return err
	}
	resultCh := make(chan error, 1)
	c.sched.Submit(id.String(), func(taskCtx context.Context) error {
		err := reg.instance.HandleEvent(taskCtx, event)
		resultCh <- err
		return err
	})
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PeekBuffered returns a copy of the events accumulated for id since
// BeginBuffering without clearing the buffer, used to snapshot the
// MigrationToken's queued events before transmission while buffering
// continues to catch anything arriving mid-transit.
func (c *Context) PeekBuffered(id amcp.AgentID) []amcp.Event {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	src := c.buffered[id.String()]
	out := make([]amcp.Event, len(src))
	copy(out, src)
	return out
}

// Subscribe opens a broker subscription on behalf of id, routing
// delivered events through id's serialized lane so they never run
// concurrently with any other handler belonging to the same agent
// (spec §4.4). The returned handle is also tracked for automatic
// release on the agent's next exit from ACTIVE (spec §4.5).
func (c *Context) Subscribe(id amcp.AgentID, pattern string, handler broker.Handler, opts ...broker.SubscribeOption) (broker.Handle, error) {
	wrapped := func(ctx context.Context, event amcp.Event) error {
		if c.isBuffering(id) {
			c.bufferMu.Lock()
			c.buffered[id.String()] = append(c.buffered[id.String()], event)
			c.bufferMu.Unlock()
			return nil
		}
		resultCh := make(chan error, 1)
		c.sched.Submit(id.String(), func(taskCtx context.Context) error {
			err := handler(taskCtx, event)
			resultCh <- err
			return err
		})
		select {
		case err := <-resultCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	handle, err := c.broker.Subscribe(pattern, wrapped, id, opts...)
	if err != nil {
		return broker.Handle{}, err
	}

	c.mu.Lock()
	c.subsByAgent[id.String()] = append(c.subsByAgent[id.String()], handle)
	c.descriptors[id.String()] = append(c.descriptors[id.String()], SubscriptionDescriptor{Pattern: pattern, Handler: handler, Opts: opts})
	c.mu.Unlock()

	if c.mgr.Book() != nil {
		c.mgr.Book().Track(id.String(), handle)
	}
	return handle, nil
}

// FindAgent returns the AgentCore instance registered under id.
func (c *Context) FindAgent(id amcp.AgentID) (AgentCore, error) {
	reg, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return reg.instance, nil
}

// ListAgents returns every AgentID currently registered in this
// context, in no particular order.
func (c *Context) ListAgents() []amcp.AgentID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]amcp.AgentID, 0, len(c.instances))
	for _, reg := range c.instances {
		out = append(out, reg.agentID)
	}
	return out
}

func (c *Context) lookup(id amcp.AgentID) (*registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.instances[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return reg, nil
}

// Subscriptions returns the descriptors for every subscription id
// currently holds, used by the mobility engine to both populate the
// MigrationToken's informational subscriptions field and re-establish
// the same subscriptions at the destination context.
func (c *Context) Subscriptions(id amcp.AgentID) []SubscriptionDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SubscriptionDescriptor, len(c.descriptors[id.String()]))
	copy(out, c.descriptors[id.String()])
	return out
}

// URI returns this context's identifying URI.
func (c *Context) URI() string { return c.uri }

// Manager exposes the lifecycle manager backing this context, so the
// mobility engine can drive transitions directly.
func (c *Context) Manager() *lifecycle.Manager { return c.mgr }

// Broker exposes the broker backing this context.
func (c *Context) Broker() broker.Broker { return c.broker }

// BeginBuffering switches id's delivered events from "run the handler"
// to "append to an internal buffer", used while the agent sits in
// MIGRATING so no event addressed to it is lost or processed out of
// order during the hand-off (spec §4.6 step 2).
func (c *Context) BeginBuffering(id amcp.AgentID) {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	c.buffering[id.String()] = true
	if c.buffered[id.String()] == nil {
		c.buffered[id.String()] = nil
	}
}

// StopBuffering ends buffering for id and returns every event
// accumulated since BeginBuffering, in arrival order, clearing the
// internal buffer.
func (c *Context) StopBuffering(id amcp.AgentID) []amcp.Event {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	delete(c.buffering, id.String())
	events := c.buffered[id.String()]
	delete(c.buffered, id.String())
	return events
}

func (c *Context) isBuffering(id amcp.AgentID) bool {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	return c.buffering[id.String()]
}
