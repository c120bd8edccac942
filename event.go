// Package amcp implements the core of the AMCP agent-mesh communication
// substrate: the immutable Event value and its CloudEvents bridge, the
// structured error taxonomy, and the Logger interface consumed by every
// other package in this module (topic, broker, lifecycle, agentctx,
// mobility, capability, orchestrator).
package amcp

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// topicPattern matches a dotted, hierarchical topic made of segments of
// letters, digits, underscore and hyphen. Subscriptions additionally
// allow "*" and "**" segments; see package topic for that grammar.
var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Priority orders events within a broker queue without disturbing the
// publication order of any single ordered (source, subject) stream
// (spec §4.3, §5).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// DeliveryOptions controls QoS for a single event or, as a subscription
// default, for every event delivered through that subscription. An
// event's own options take precedence over subscription defaults, which
// take precedence over the broker's configured defaults (spec §4.3).
type DeliveryOptions struct {
	Persistent bool
	Priority   Priority
	TTL        time.Duration // zero means no expiry
	Ordered    bool
	Reliable   bool
}

// DefaultDeliveryOptions is the baseline DeliveryOptions value: best
// effort, normal priority, unordered, no TTL.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{Priority: PriorityNormal}
}

// AgentID identifies an agent by opaque id and declared type. Two
// AgentIDs are equal only when both fields match (spec §3).
type AgentID struct {
	ID   string
	Type string
}

func (a AgentID) String() string {
	return fmt.Sprintf("%s/%s", a.Type, a.ID)
}

// Equal reports whether a and other identify the same agent.
func (a AgentID) Equal(other AgentID) bool {
	return a.ID == other.ID && a.Type == other.Type
}

// IsZero reports whether a is the zero AgentID (no sender stamped).
func (a AgentID) IsZero() bool {
	return a.ID == "" && a.Type == ""
}

// Payload is an opaque event body: either raw bytes with a declared
// content type, or an already-structured Go value the producer wants
// serialized lazily by whichever codec handles DataContentType (spec's
// "Reflection-heavy payload deserialization" redesign note, §9: the
// runtime never introspects user types, codecs are registered by
// producers/consumers).
type Payload struct {
	ContentType string
	Bytes       []byte
	Structured  interface{}
}

// Event is the immutable value exchanged between agents. Once built, no
// field may be mutated; construct a new Event via Builder instead (spec
// §3, §4.1: "Builder is the only constructor path").
type Event struct {
	id              string
	topic           string
	typ             string
	source          string
	subject         string
	time            time.Time
	dataContentType string
	dataSchema      string
	data            Payload
	correlationID   string
	sender          AgentID
	metadata        map[string]string
	deliveryOptions DeliveryOptions
	explicitOptions bool
}

func (e Event) ID() string                      { return e.id }
func (e Event) Topic() string                   { return e.topic }
func (e Event) Type() string                    { return e.typ }
func (e Event) Source() string                  { return e.source }
func (e Event) Subject() string                 { return e.subject }
func (e Event) Time() time.Time                 { return e.time }
func (e Event) DataContentType() string         { return e.dataContentType }
func (e Event) DataSchema() string              { return e.dataSchema }
func (e Event) Data() Payload                    { return e.data }
func (e Event) CorrelationID() string           { return e.correlationID }
func (e Event) Sender() AgentID                 { return e.sender }
func (e Event) DeliveryOptions() DeliveryOptions { return e.deliveryOptions }

// HasExplicitDeliveryOptions reports whether the producer called
// WithDeliveryOptions on this event's Builder. The broker uses this to
// implement the event > subscription > broker QoS precedence (spec
// §4.3): an event built without an explicit override falls through to
// the subscription's and then the broker's configured defaults.
func (e Event) HasExplicitDeliveryOptions() bool { return e.explicitOptions }

// Metadata returns a copy of the event's metadata map so callers cannot
// mutate the immutable event through the returned map.
func (e Event) Metadata() map[string]string {
	cp := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		cp[k] = v
	}
	return cp
}

// IsExpired reports whether the event's TTL (if any) has elapsed as of
// now.
func (e Event) IsExpired(now time.Time) bool {
	ttl := e.deliveryOptions.TTL
	if ttl <= 0 {
		return false
	}
	return now.After(e.time.Add(ttl))
}

// IsCloudEventsCompliant reports whether e satisfies the required
// CloudEvents attributes and extension-key constraints (spec §3, §4.1).
func (e Event) IsCloudEventsCompliant() bool {
	if e.id == "" || e.typ == "" || e.source == "" || e.topic == "" {
		return false
	}
	for k := range e.metadata {
		if hasReservedPrefix(k) {
			return false
		}
	}
	return true
}

func hasReservedPrefix(key string) bool {
	return len(key) >= len("ce-") && key[:3] == "ce-"
}

// Builder constructs Events. It is the only supported construction path;
// Event's fields are unexported so callers cannot assemble one by hand
// (spec §4.1).
type Builder struct {
	id              string
	topic           string
	typ             string
	source          string
	subject         string
	time            time.Time
	dataContentType string
	dataSchema      string
	data            Payload
	correlationID   string
	sender          AgentID
	metadata        map[string]string
	deliveryOptions DeliveryOptions
	hasDelivery     bool
}

// NewBuilder starts a Builder for an event on the given topic.
func NewBuilder(topic string) *Builder {
	return &Builder{
		topic:           topic,
		dataContentType: "application/json",
		metadata:        make(map[string]string),
	}
}

func (b *Builder) WithID(id string) *Builder              { b.id = id; return b }
func (b *Builder) WithType(typ string) *Builder            { b.typ = typ; return b }
func (b *Builder) WithSource(source string) *Builder       { b.source = source; return b }
func (b *Builder) WithSubject(subject string) *Builder     { b.subject = subject; return b }
func (b *Builder) WithTime(t time.Time) *Builder            { b.time = t; return b }
func (b *Builder) WithDataContentType(ct string) *Builder   { b.dataContentType = ct; return b }
func (b *Builder) WithDataSchema(uri string) *Builder       { b.dataSchema = uri; return b }
func (b *Builder) WithCorrelationID(id string) *Builder     { b.correlationID = id; return b }
func (b *Builder) WithSender(id AgentID) *Builder           { b.sender = id; return b }
func (b *Builder) WithDeliveryOptions(opts DeliveryOptions) *Builder {
	b.deliveryOptions = opts
	b.hasDelivery = true
	return b
}

// WithData sets a structured payload, defaulting DataContentType to
// application/json if it was never overridden.
func (b *Builder) WithData(v interface{}) *Builder {
	b.data = Payload{ContentType: b.dataContentType, Structured: v}
	return b
}

// WithBytes sets a raw byte payload with an explicit content type.
func (b *Builder) WithBytes(contentType string, bs []byte) *Builder {
	b.dataContentType = contentType
	b.data = Payload{ContentType: contentType, Bytes: bs}
	return b
}

// WithMetadata sets a single metadata entry. Reserved "ce-" keys are
// rejected at Build time, not here, so callers can inspect the error
// Kind.
func (b *Builder) WithMetadata(key, value string) *Builder {
	b.metadata[key] = value
	return b
}

// Build validates and constructs the Event, filling in defaults for any
// field spec §3 declares optional-with-a-default. It fails with a
// *Error{Kind: KindValidationError} for malformed or missing required
// fields.
func (b *Builder) Build() (Event, error) {
	if b.topic == "" {
		return Event{}, NewError(KindValidationError, ErrEventTopicEmpty.Error(), ErrEventTopicEmpty)
	}
	if !topicPattern.MatchString(b.topic) {
		return Event{}, NewError(KindValidationError, ErrEventTopicInvalid.Error(), ErrEventTopicInvalid)
	}
	if b.source == "" {
		return Event{}, NewError(KindValidationError, ErrEventSourceEmpty.Error(), ErrEventSourceEmpty)
	}
	for k := range b.metadata {
		if hasReservedPrefix(k) {
			return Event{}, NewError(KindValidationError, ErrReservedMetadataKey.Error(), ErrReservedMetadataKey)
		}
	}

	id := b.id
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			generated = uuid.New()
		}
		id = generated.String()
	}

	typ := b.typ
	if typ == "" {
		typ = "io.amcp.event." + b.topic
	}

	subject := b.subject
	if subject == "" {
		subject = b.topic
	}

	ts := b.time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	opts := b.deliveryOptions
	if !b.hasDelivery {
		opts = DefaultDeliveryOptions()
	}

	metadata := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		metadata[k] = v
	}

	return Event{
		id:              id,
		topic:           b.topic,
		typ:             typ,
		source:          b.source,
		subject:         subject,
		time:            ts,
		dataContentType: b.dataContentType,
		dataSchema:      b.dataSchema,
		data:            b.data,
		correlationID:   b.correlationID,
		sender:          b.sender,
		metadata:        metadata,
		deliveryOptions: opts,
		explicitOptions: b.hasDelivery,
	}, nil
}
