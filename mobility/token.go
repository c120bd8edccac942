// Package mobility implements the AMCP mobility protocol (spec §4.6):
// dispatch/clone/retract/migrate/replicate hand-off of an agent's
// identity, state, and subscription set between two agentctx.Context
// instances, with nonce-based exactly-once semantics and an
// ACK-timeout abort path.
package mobility

import (
	"encoding/base64"
	"time"

	"github.com/amcp-go/amcp"
)

// deliveryOptionsToWireMap captures a subscription's resolved
// amcp.DeliveryOptions into the token's opaque "options" shape (spec
// §6 wire format). Omitted when the subscription never called
// broker.WithSubscriptionDefaults, so a plain best-effort subscription
// round-trips as an empty map rather than a spelled-out zero value.
func deliveryOptionsToWireMap(opts amcp.DeliveryOptions) map[string]interface{} {
	return map[string]interface{}{
		"persistent": opts.Persistent,
		"priority":   opts.Priority,
		"ttl":        opts.TTL,
		"ordered":    opts.Ordered,
		"reliable":   opts.Reliable,
	}
}

// wireMapToDeliveryOptions is deliveryOptionsToWireMap's inverse. It
// tolerates both the in-process typed values deliveryOptionsToWireMap
// produces and the types a real JSON round-trip would leave behind
// (float64 numbers, string durations), since Token carries json tags
// for cross-process transports even though the in-process Engine never
// serializes it.
func wireMapToDeliveryOptions(m map[string]interface{}) amcp.DeliveryOptions {
	var opts amcp.DeliveryOptions
	if v, ok := m["persistent"].(bool); ok {
		opts.Persistent = v
	}
	switch v := m["priority"].(type) {
	case amcp.Priority:
		opts.Priority = v
	case int:
		opts.Priority = amcp.Priority(v)
	case float64:
		opts.Priority = amcp.Priority(int(v))
	}
	switch v := m["ttl"].(type) {
	case time.Duration:
		opts.TTL = v
	case float64:
		opts.TTL = time.Duration(v)
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			opts.TTL = d
		}
	}
	if v, ok := m["ordered"].(bool); ok {
		opts.Ordered = v
	}
	if v, ok := m["reliable"].(bool); ok {
		opts.Reliable = v
	}
	return opts
}

// AgentIDWire is the MigrationToken's agent_id shape (spec §6):
// {"id": "...", "type": "..."}.
type AgentIDWire struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

func toWireID(id amcp.AgentID) AgentIDWire { return AgentIDWire{ID: id.ID, Type: id.Type} }
func (w AgentIDWire) toAgentID() amcp.AgentID { return amcp.AgentID{ID: w.ID, Type: w.Type} }

// SubscriptionWire is one entry of the token's "subscriptions" list
// (spec §6): the pattern plus the subscription-level DeliveryOptions
// that were in force, so a migrated agent's QoS (ordered/reliable/
// priority/ttl) survives the hand-off instead of reverting to
// best-effort defaults at the destination. Options is empty when the
// subscription never set subscription-level defaults. The re-
// subscription loop in Engine.receive rebuilds a
// broker.WithSubscriptionDefaults option from it before re-subscribing
// the destination's in-process handler closure.
type SubscriptionWire struct {
	Pattern string                 `json:"pattern"`
	Options map[string]interface{} `json:"options"`
}

// Token is the wire shape of a migration hand-off, exactly as spec §6
// enumerates it.
type Token struct {
	AgentID       AgentIDWire        `json:"agent_id"`
	Source        string             `json:"source"`
	Dest          string             `json:"dest"`
	State         string             `json:"state"` // base64 of saveState()
	Subscriptions []SubscriptionWire `json:"subscriptions"`
	Queued        []amcp.CloudEvent  `json:"queued"`
	Nonce         string             `json:"nonce"`
	StartedAt     time.Time          `json:"started_at"`
}

func encodeState(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(state)
}

func decodeState(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}
