// Package agentctx implements the AMCP agent runtime (spec §4.4): it
// owns agent instances, routes broker-delivered events into their
// handlers, and exposes the publish/subscribe facade agents use,
// backed by the lifecycle state machine and a per-agent serialized
// execution lane over a bounded worker pool.
package agentctx

import (
	"context"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/broker"
)

// HandlerFor adapts any AgentCore's HandleEvent into a broker.Handler
// bound to that specific instance. Used both for an agent's own
// subscriptions and by the mobility engine to re-bind a destination
// context's reconstructed instance to the same subscription patterns
// the source side held, without carrying source-bound closures across
// the hand-off.
func HandlerFor(instance AgentCore) broker.Handler {
	return func(ctx context.Context, event amcp.Event) error {
		return instance.HandleEvent(ctx, event)
	}
}

// AgentCore is the minimum capability every agent managed by a Context
// must implement: a lifecycle-callback set and a broker event handler.
// Grounded on spec §9's redesign note replacing the original
// `Agent -> AbstractMobileAgent` inheritance chain with a capability
// trait set the runtime type-asserts against at the point each
// capability is actually needed, rather than forcing every agent to
// carry mobility/serialization machinery it never uses.
type AgentCore interface {
	// OnActivate runs once when the agent transitions INACTIVE->ACTIVE.
	OnActivate(ctx context.Context) error
	// OnDeactivate runs once on exit from ACTIVE back to INACTIVE.
	OnDeactivate(ctx context.Context) error
	// OnDestroy runs once on the terminal DESTROYED transition.
	OnDestroy(ctx context.Context) error
	// HandleEvent processes one event delivered to a subscription this
	// agent registered. Handlers of the same agent never run
	// concurrently with each other; handlers are expected to be finite.
	HandleEvent(ctx context.Context, event amcp.Event) error
}

// MobileAgent is implemented by agents that support the mobility
// protocol (spec §4.6). The runtime type-checks this capability's
// presence only when dispatch/clone/migrate is invoked, failing fast
// with a ValidationError when it is absent rather than requiring every
// agent to stub these methods out.
type MobileAgent interface {
	AgentCore
	// OnBeforeMigration runs at the source before the agent's state is
	// captured into a MigrationToken.
	OnBeforeMigration(ctx context.Context, dest string) error
	// OnAfterMigration runs at the destination after state restoration,
	// before the agent transitions back to ACTIVE.
	OnAfterMigration(ctx context.Context, src string) error
}

// Serializable is implemented by agents whose state can be captured
// and restored across a migration hand-off. An agent that implements
// MobileAgent without Serializable can still migrate with empty state.
type Serializable interface {
	// SaveState returns an opaque snapshot of the agent's internal
	// state, serialized by whatever codec the agent chooses.
	SaveState(ctx context.Context) ([]byte, error)
	// LoadState restores the agent's internal state from a snapshot
	// previously returned by SaveState.
	LoadState(ctx context.Context, data []byte) error
}
