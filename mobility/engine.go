package mobility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/agentctx"
	"github.com/amcp-go/amcp/broker"
	"github.com/google/uuid"
)

// AgentFactory reconstructs a MobileAgent instance at the destination
// context from a migrating agent's serialized state (spec §4.6 step
// 4: "reconstruct agent instance from state"). A factory that ignores
// state is valid for agents with no Serializable capability.
type AgentFactory func(state []byte) (agentctx.MobileAgent, error)

// Selector picks a preferred destination Engine for Migrate (spec
// §4.6: "consult destination selector (policy interface external to
// core)"). Implementations live outside this package.
type Selector interface {
	Select(ctx context.Context, id amcp.AgentID) (*Engine, error)
}

// Engine drives the mobility protocol for the agents hosted by one
// agentctx.Context (spec §4.6). Every AMCP context that participates
// in mobility owns exactly one Engine.
type Engine struct {
	uri              string
	ctx              *agentctx.Context
	migrationTimeout time.Duration
	logger           amcp.Logger

	mu         sync.Mutex
	seenNonces map[string]bool
	history    *history
}

// NewEngine constructs an Engine bound to ctx. migrationTimeout bounds
// the source side's wait for the destination's ACK (spec §5, default
// 15s via amcp.Config.MigrationTimeout).
func NewEngine(ctx *agentctx.Context, migrationTimeout time.Duration, logger amcp.Logger) *Engine {
	if logger == nil {
		logger = amcp.NopLogger{}
	}
	if migrationTimeout <= 0 {
		migrationTimeout = 15 * time.Second
	}
	return &Engine{
		uri:              ctx.URI(),
		ctx:              ctx,
		migrationTimeout: migrationTimeout,
		logger:           logger,
		seenNonces:       make(map[string]bool),
		history:          newHistory(),
	}
}

// URI returns this engine's owning context's URI, used by callers
// picking a destination engine.
func (e *Engine) URI() string { return e.uri }

// History returns id's migration history, most recent last.
func (e *Engine) History(id amcp.AgentID) []MigrationEvent {
	return e.history.For(id.String())
}

// Dispatch moves id from e's context to dest's context: source
// transitions to INACTIVE once the hand-off completes (spec §4.6
// "Protocol (dispatch)").
func (e *Engine) Dispatch(ctx context.Context, id amcp.AgentID, dest *Engine, factory AgentFactory) error {
	return e.handOff(ctx, id, dest, factory, KindDispatch)
}

// Clone hands off a copy of id to dest's context under a fresh
// AgentID; e's instance stays ACTIVE throughout (spec §4.6 "Clone").
// Events are not buffered for a clone, so its token carries no queued
// events and nothing is replayed at the destination.
func (e *Engine) Clone(ctx context.Context, id amcp.AgentID, dest *Engine, factory AgentFactory) (amcp.AgentID, error) {
	newID, err := e.handOffClone(ctx, id, dest, factory, KindClone)
	return newID, err
}

// Retract is a dispatch initiated by the current host (e, acting as
// D) to pull id back onto source's context (spec §4.6 "Retract").
func (e *Engine) Retract(ctx context.Context, id amcp.AgentID, source *Engine, factory AgentFactory) error {
	return e.handOff(ctx, id, source, factory, KindRetract)
}

// Migrate consults selector for a preferred destination and then
// performs an ordinary dispatch to it (spec §4.6 "Migrate").
func (e *Engine) Migrate(ctx context.Context, id amcp.AgentID, selector Selector, factory AgentFactory) error {
	dest, err := selector.Select(ctx, id)
	if err != nil {
		return amcp.NewError(amcp.KindMigrationAborted, "destination selector failed: "+err.Error(), err)
	}
	return e.handOff(ctx, id, dest, factory, KindMigrate)
}

// ReplicateResult is one target's outcome from Replicate.
type ReplicateResult struct {
	Dest    *Engine
	AgentID amcp.AgentID
	Err     error
}

// Replicate clones id to each of dests, reporting per-target failures
// individually rather than aborting the whole batch (spec §4.6
// "Replicate").
func (e *Engine) Replicate(ctx context.Context, id amcp.AgentID, dests []*Engine, factory AgentFactory) []ReplicateResult {
	out := make([]ReplicateResult, len(dests))
	for i, dest := range dests {
		newID, err := e.handOffClone(ctx, id, dest, factory, KindReplicate)
		out[i] = ReplicateResult{Dest: dest, AgentID: newID, Err: err}
	}
	return out
}

// handOff implements steps 1-5 of the dispatch protocol: the source
// agent ends INACTIVE once the destination ACKs. Clone/Replicate use
// the separate handOffClone below, which never touches the source's
// lifecycle state.
func (e *Engine) handOff(ctx context.Context, id amcp.AgentID, dest *Engine, factory AgentFactory, kind Kind) error {
	instance, err := e.ctx.FindAgent(id)
	if err != nil {
		return err
	}
	mobile, ok := instance.(agentctx.MobileAgent)
	if !ok {
		return amcp.NewError(amcp.KindValidationError, ErrNotMobile.Error(), ErrNotMobile)
	}

	mgr := e.ctx.Manager()

	// Step 1: ACTIVE -> MIGRATING, onBeforeMigration(dest).
	if err := mgr.BeginMigration(ctx, id, dest.uri, mobile.OnBeforeMigration); err != nil {
		return err
	}

	e.ctx.BeginBuffering(id)

	// Step 2: capture state and subscriptions.
	var state []byte
	if ser, ok := instance.(agentctx.Serializable); ok {
		state, err = ser.SaveState(ctx)
		if err != nil {
			e.abort(ctx, id, err)
			return amcp.NewError(amcp.KindMigrationAborted, "saveState failed", err)
		}
	}

	subs := e.ctx.Subscriptions(id)
	wireSubs := make([]SubscriptionWire, 0, len(subs))
	for _, s := range subs {
		wireSubs = append(wireSubs, subscriptionToWire(s))
	}

	queued := e.ctx.PeekBuffered(id)
	wireQueued, err := toCloudEvents(queued)
	if err != nil {
		e.abort(ctx, id, err)
		return amcp.NewError(amcp.KindMigrationAborted, "encoding queued events failed", err)
	}

	token := &Token{
		AgentID:       toWireID(id),
		Source:        e.uri,
		Dest:          dest.uri,
		State:         encodeState(state),
		Subscriptions: wireSubs,
		Queued:        wireQueued,
		Nonce:         uuid.New().String(),
		StartedAt:     time.Now().UTC(),
	}

	// Step 3: transmit (in-process call stands in for the
	// context-transport, treated as reliable FIFO per spec §4.6).
	ackCh := make(chan error, 1)
	go func() { ackCh <- dest.receive(ctx, token, factory) }()

	var ackErr error
	select {
	case ackErr = <-ackCh:
	case <-time.After(e.migrationTimeout):
		ackErr = fmt.Errorf("ack timed out after %s", e.migrationTimeout)
	case <-ctx.Done():
		ackErr = ctx.Err()
	}

	if ackErr != nil {
		e.abort(ctx, id, ackErr)
		e.history.append(id.String(), MigrationEvent{AgentID: id.String(), Kind: kind, Source: e.uri, Dest: dest.uri, At: time.Now().UTC(), Aborted: true, Err: ackErr.Error()})
		return amcp.NewError(amcp.KindMigrationAborted, "migration hand-off aborted: "+ackErr.Error(), ackErr)
	}

	// Step 5: ACK received. Replay any events that arrived mid-transit
	// beyond what the token already carried, then finish the source
	// side's teardown.
	final := e.ctx.StopBuffering(id)
	if extra := final[len(queued):]; len(extra) > 0 {
		extraWire, err := toCloudEvents(extra)
		if err == nil {
			dest.replayAdditional(ctx, token.AgentID.toAgentID(), extraWire)
		}
	}

	if err := e.ctx.UnsubscribeAgent(id); err != nil {
		e.logger.Warn("failed releasing source subscriptions after migration", "agent", id.String(), "error", err)
	}

	if err := mgr.CompleteMigrationAtSource(ctx, id); err != nil {
		e.logger.Warn("failed completing migration at source", "agent", id.String(), "error", err)
	}

	e.history.append(id.String(), MigrationEvent{AgentID: id.String(), Kind: kind, Source: e.uri, Dest: dest.uri, At: time.Now().UTC()})
	return nil
}

// handOffClone is Clone/Replicate's entry point: it hands off a copy
// under a fresh AgentID while e's own instance stays ACTIVE, so it
// does not touch e's lifecycle state at all.
func (e *Engine) handOffClone(ctx context.Context, id amcp.AgentID, dest *Engine, factory AgentFactory, kind Kind) (amcp.AgentID, error) {
	instance, err := e.ctx.FindAgent(id)
	if err != nil {
		return amcp.AgentID{}, err
	}
	if _, ok := instance.(agentctx.MobileAgent); !ok {
		return amcp.AgentID{}, amcp.NewError(amcp.KindValidationError, ErrNotMobile.Error(), ErrNotMobile)
	}

	var state []byte
	if ser, ok := instance.(agentctx.Serializable); ok {
		state, err = ser.SaveState(ctx)
		if err != nil {
			return amcp.AgentID{}, amcp.NewError(amcp.KindMigrationAborted, "saveState failed", err)
		}
	}

	newID := amcp.AgentID{Type: id.Type, ID: uuid.New().String()}
	subs := e.ctx.Subscriptions(id)
	wireSubs := make([]SubscriptionWire, 0, len(subs))
	for _, s := range subs {
		wireSubs = append(wireSubs, subscriptionToWire(s))
	}

	token := &Token{
		AgentID:       toWireID(newID),
		Source:        e.uri,
		Dest:          dest.uri,
		State:         encodeState(state),
		Subscriptions: wireSubs,
		Nonce:         uuid.New().String(),
		StartedAt:     time.Now().UTC(),
	}

	if err := dest.receive(ctx, token, factory); err != nil {
		return amcp.AgentID{}, amcp.NewError(amcp.KindMigrationAborted, "clone failed: "+err.Error(), err)
	}

	e.history.append(id.String(), MigrationEvent{AgentID: id.String(), Kind: kind, Source: e.uri, Dest: dest.uri, At: time.Now().UTC()})
	return newID, nil
}

// abort transitions id back to ACTIVE and drains whatever was
// buffered by re-publishing it locally (spec §4.6 "Token send fails,
// no ACK within migrationTimeout").
func (e *Engine) abort(ctx context.Context, id amcp.AgentID, cause error) {
	stranded := e.ctx.StopBuffering(id)
	if err := e.ctx.Manager().AbortMigration(ctx, id); err != nil {
		e.logger.Warn("failed aborting migration", "agent", id.String(), "error", err)
	}
	for _, event := range stranded {
		if err := e.ctx.Broker().Publish(ctx, event); err != nil {
			e.logger.Warn("failed redelivering stranded event after migration abort", "agent", id.String(), "error", err)
		}
	}
}

// receive is the destination side of the hand-off (spec §4.6 step 4).
func (e *Engine) receive(ctx context.Context, token *Token, factory AgentFactory) error {
	e.mu.Lock()
	if e.seenNonces[token.Nonce] {
		e.mu.Unlock()
		return nil // duplicate token: silently acknowledged, not instantiated twice.
	}
	e.seenNonces[token.Nonce] = true
	e.mu.Unlock()

	state, err := decodeState(token.State)
	if err != nil {
		return amcp.NewError(amcp.KindMigrationAborted, "decoding token state failed", err)
	}

	instance, err := factory(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestRestoreFailed, err)
	}

	id := token.AgentID.toAgentID()
	if err := e.ctx.RegisterAgentMigrating(id, instance); err != nil {
		return err
	}

	queued, err := fromCloudEvents(token.Queued)
	if err != nil {
		return amcp.NewError(amcp.KindMigrationAborted, "decoding queued events failed", err)
	}
	for _, event := range queued {
		if err := e.ctx.Deliver(ctx, id, event); err != nil {
			e.logger.Warn("queued event replay failed during migration", "agent", id.String(), "error", err)
		}
	}

	for _, sw := range token.Subscriptions {
		var subOpts []broker.SubscribeOption
		if len(sw.Options) > 0 {
			subOpts = append(subOpts, broker.WithSubscriptionDefaults(wireMapToDeliveryOptions(sw.Options)))
		}
		if _, err := e.ctx.Subscribe(id, sw.Pattern, agentctx.HandlerFor(instance), subOpts...); err != nil {
			e.logger.Warn("failed re-establishing subscription after migration", "agent", id.String(), "pattern", sw.Pattern, "error", err)
		}
	}

	mobile, ok := instance.(agentctx.MobileAgent)
	onAfter := func(c context.Context, src string) error { return nil }
	if ok {
		onAfter = mobile.OnAfterMigration
	}
	return e.ctx.Manager().ActivateAfterMigration(ctx, id, token.Source, onAfter)
}

// replayAdditional delivers events that arrived at the source after
// the initial token snapshot but before the ACK, directly into the
// already-active destination agent's lane, preserving original order.
func (e *Engine) replayAdditional(ctx context.Context, id amcp.AgentID, wire []amcp.CloudEvent) {
	events, err := fromCloudEvents(wire)
	if err != nil {
		e.logger.Warn("failed decoding extra migration events", "agent", id.String(), "error", err)
		return
	}
	for _, event := range events {
		if err := e.ctx.Deliver(ctx, id, event); err != nil {
			e.logger.Warn("extra queued event replay failed", "agent", id.String(), "error", err)
		}
	}
}

// subscriptionToWire captures s's resolved subscription-level
// DeliveryOptions (if any were set via broker.WithSubscriptionDefaults)
// into the token's wire shape, so receive() can reconstruct the same
// QoS at the destination (spec §4.6 step 4 "re-establish
// subscriptions").
func subscriptionToWire(s agentctx.SubscriptionDescriptor) SubscriptionWire {
	opts, hasDefaults := broker.ResolveSubscribeOptions(s.Opts...)
	var wireOpts map[string]interface{}
	if hasDefaults {
		wireOpts = deliveryOptionsToWireMap(opts)
	}
	return SubscriptionWire{Pattern: s.Pattern, Options: wireOpts}
}

func toCloudEvents(events []amcp.Event) ([]amcp.CloudEvent, error) {
	out := make([]amcp.CloudEvent, 0, len(events))
	for _, event := range events {
		ce, err := amcp.ToCloudEvent(event)
		if err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, nil
}

func fromCloudEvents(ces []amcp.CloudEvent) ([]amcp.Event, error) {
	out := make([]amcp.Event, 0, len(ces))
	for _, ce := range ces {
		event, err := amcp.FromCloudEvent(ce)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}
