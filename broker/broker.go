// Package broker implements the AMCP publish/subscribe substrate (spec
// §4.3): QoS-aware dispatch, ordered delivery per (source, subject),
// priority queue-jumping, TTL expiry, reliable redelivery with
// exponential backoff, and dead-letter routing. MemoryBroker is the
// in-process reference transport; the Broker interface is the contract
// any cross-process transport implements (spec §6, "Broker boundary").
package broker

import (
	"context"
	"strings"

	"github.com/amcp-go/amcp"
)

// Handler processes one delivered event. Returning an error marks the
// delivery failed: best-effort subscriptions just log and count it,
// reliable subscriptions retry per the configured backoff policy before
// dead-lettering.
type Handler func(ctx context.Context, event amcp.Event) error

// Handle identifies one subscription. Opaque outside this package.
type Handle struct {
	id string
}

// DLQPrefix is prepended to a topic's dead-letter destination (spec §6,
// "Topic namespace"): a reliable delivery on topic "travel.plan.request"
// that exhausts its retries is republished to
// "__dlq.travel.plan.request".
const DLQPrefix = "__dlq."

// ReservedPrefixes are topic namespaces the core itself owns; user
// agents must not publish directly into them (spec §6).
var ReservedPrefixes = []string{"registry.", "task.", "__dlq.", "system."}

// IsReservedTopic reports whether topic falls under a prefix the core
// reserves for its own announcements.
func IsReservedTopic(topic string) bool {
	for _, p := range ReservedPrefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Metrics is a point-in-time snapshot of broker activity (spec §6,
// "metrics() -> snapshot").
type Metrics struct {
	Published int64
	Delivered int64
	Dropped   int64
	DLQCount  int64
	Retries   int64
	PerTopic  map[string]TopicMetrics
}

// TopicMetrics breaks Metrics down per topic.
type TopicMetrics struct {
	Published int64
	Delivered int64
	Dropped   int64
	DLQCount  int64
}

// SubscribeOption customizes one subscription at Subscribe time.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	defaults    amcp.DeliveryOptions
	hasDefaults bool
}

// WithSubscriptionDefaults sets the subscription-level DeliveryOptions
// applied to events published without their own explicit override
// (spec §4.3 QoS precedence: event > subscription > broker).
func WithSubscriptionDefaults(opts amcp.DeliveryOptions) SubscribeOption {
	return func(c *subscribeConfig) {
		c.defaults = opts
		c.hasDefaults = true
	}
}

// ResolveSubscribeOptions applies opts to a fresh subscribeConfig and
// returns the resulting subscription-level DeliveryOptions along with
// whether WithSubscriptionDefaults was actually set. Callers that need
// to introspect a subscription's resolved QoS without re-subscribing
// (the mobility engine, capturing a MigrationToken's subscription
// entries) use this instead of reaching into the unexported config.
func ResolveSubscribeOptions(opts ...SubscribeOption) (amcp.DeliveryOptions, bool) {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.defaults, cfg.hasDefaults
}

// Broker is the pub/sub contract every transport implements (spec §4.3,
// §6).
type Broker interface {
	// Start brings the broker up. Calling Start twice returns
	// ErrAlreadyStarted.
	Start(ctx context.Context) error
	// Stop drains in-flight deliveries up to the configured drain
	// timeout, then cancels whatever remains.
	Stop(ctx context.Context) error

	// Publish validates and routes event to every subscription whose
	// pattern matches its topic. It returns once the event is accepted
	// by matching queues, not once handlers have run. Publish rejects
	// events addressed to a reserved topic namespace (spec §6).
	Publish(ctx context.Context, event amcp.Event) error
	// PublishSystem is Publish without the reserved-namespace check, for
	// use by the lifecycle, capability, and orchestrator packages
	// emitting their own system.**/registry.**/task.** announcements.
	PublishSystem(ctx context.Context, event amcp.Event) error
	// PublishCloudEvent is a convenience wrapper that reconstructs an
	// Event from ce and routes it through the same pipeline as Publish.
	PublishCloudEvent(ctx context.Context, ce amcp.CloudEvent) error

	// Subscribe registers handler against pattern on behalf of
	// agentID, returning a Handle usable with Unsubscribe.
	Subscribe(pattern string, handler Handler, agentID amcp.AgentID, opts ...SubscribeOption) (Handle, error)
	// SubscribeToCloudEvents wraps handler so it receives CloudEvents
	// instead of Events, routed through the same dispatch pipeline.
	SubscribeToCloudEvents(pattern string, handler func(ctx context.Context, ce amcp.CloudEvent) error, agentID amcp.AgentID, opts ...SubscribeOption) (Handle, error)
	// Unsubscribe cancels one subscription. Idempotent.
	Unsubscribe(handle Handle) error
	// UnsubscribeAll cancels every subscription registered by agentID
	// (spec §4.5: scoped subscription release on deactivate/destroy).
	UnsubscribeAll(agentID amcp.AgentID) error

	// Metrics returns a snapshot of broker counters.
	Metrics() Metrics
}
