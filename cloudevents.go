package amcp

import (
	"fmt"
	"net/url"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent is an alias for the CloudEvents v1.0 SDK type, matching the
// convenience alias the teacher exposes (observer_cloudevents.go).
type CloudEvent = cloudevents.Event

// Internal-only fields survive the round trip to CloudEvents as
// extensions under these names (spec §4.1, confirmed literally by the
// worked example in spec §8 scenario S6: amcp-topic, amcp-sender,
// amcp-correlation-id, amcp-meta-{key}). This is a deliberate departure
// from the strict CloudEvents 1.0 §3.1 extension-name grammar
// (lower-case alphanumeric only, no hyphens); spec §4.1 only rejects
// extensions beginning with "ce-", so ValidateCloudEvent below checks
// exactly that instead of delegating to the SDK's stricter Validate().
const (
	extTopic        = "amcp-topic"
	extSender       = "amcp-sender"
	extCorrelation  = "amcp-correlation-id"
	extMetaPrefix   = "amcp-meta-"
)

// ToCloudEvent converts an Event to its CloudEvents v1.0 representation.
// Internal-only fields (topic, sender, correlation id, metadata) are
// preserved as extensions so FromCloudEvent can losslessly reconstruct
// the original Event (spec §8.6 round-trip property).
func ToCloudEvent(e Event) (CloudEvent, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion(cloudevents.VersionV1)
	ce.SetID(e.id)
	ce.SetType(e.typ)
	ce.SetSource(e.source)
	ce.SetTime(e.time)
	if e.subject != "" {
		ce.SetSubject(e.subject)
	}
	if e.dataContentType != "" {
		ce.SetDataContentType(e.dataContentType)
	}
	if e.dataSchema != "" {
		ce.SetDataSchema(e.dataSchema)
	}

	if e.data.Structured != nil {
		if err := ce.SetData(e.dataContentType, e.data.Structured); err != nil {
			return CloudEvent{}, NewError(KindValidationError, fmt.Sprintf("encoding event data: %v", err), err)
		}
	} else if len(e.data.Bytes) > 0 {
		if err := ce.SetData(e.dataContentType, e.data.Bytes); err != nil {
			return CloudEvent{}, NewError(KindValidationError, fmt.Sprintf("encoding event data: %v", err), err)
		}
	}

	ce.SetExtension(extTopic, e.topic)
	if !e.sender.IsZero() {
		ce.SetExtension(extSender, e.sender.Type+"/"+e.sender.ID)
	}
	if e.correlationID != "" {
		ce.SetExtension(extCorrelation, e.correlationID)
	}
	for k, v := range e.metadata {
		ce.SetExtension(extMetaPrefix+k, v)
	}

	if err := ValidateCloudEvent(ce); err != nil {
		return CloudEvent{}, err
	}
	return ce, nil
}

// FromCloudEvent reconstructs an Event from its CloudEvents representation,
// recovering the AMCP-specific fields from their amcp-* extensions.
func FromCloudEvent(ce CloudEvent) (Event, error) {
	ext := ce.Extensions()

	topic, _ := ext[extTopic].(string)
	if topic == "" {
		// CloudEvents that originated outside AMCP never carry the topic
		// extension; fall back to subject, which defaults to topic on
		// the way out (spec §3).
		topic = ce.Subject()
	}

	b := NewBuilder(topic).
		WithID(ce.ID()).
		WithType(ce.Type()).
		WithSource(ce.Source()).
		WithSubject(ce.Subject()).
		WithTime(ce.Time()).
		WithDataContentType(ce.DataContentType()).
		WithDataSchema(ce.DataSchema())

	if raw, ok := ext[extCorrelation].(string); ok {
		b = b.WithCorrelationID(raw)
	}
	if raw, ok := ext[extSender].(string); ok {
		if idx := strings.IndexByte(raw, '/'); idx >= 0 {
			b = b.WithSender(AgentID{Type: raw[:idx], ID: raw[idx+1:]})
		}
	}
	for k, v := range ext {
		if !strings.HasPrefix(k, extMetaPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, extMetaPrefix)
		if s, ok := v.(string); ok {
			b = b.WithMetadata(key, s)
		}
	}

	if len(ce.Data()) > 0 {
		var raw interface{}
		if err := ce.DataAs(&raw); err == nil {
			b = b.WithData(raw)
		} else {
			b = b.WithBytes(ce.DataContentType(), ce.Data())
		}
	}

	return b.Build()
}

// ValidateCloudEvent checks the spec §4.1 rejection conditions: missing
// required attribute, an extension key beginning with the CloudEvents
// reserved "ce-" prefix, a non-RFC-3339 time, or a source that does not
// parse as a URI. It deliberately does not call the SDK's own
// Validate(), which additionally enforces the strict lower-case
// extension-name grammar that spec §8 scenario S6 requires AMCP to
// violate (amcp-topic, amcp-correlation-id, ...).
func ValidateCloudEvent(ce CloudEvent) error {
	if ce.ID() == "" || ce.Type() == "" || ce.Source() == "" {
		return NewError(KindValidationError, "CloudEvent missing a required attribute", nil)
	}
	for k := range ce.Extensions() {
		if strings.HasPrefix(k, "ce-") {
			return NewError(KindValidationError, ErrExtensionKeyReserved.Error(), ErrExtensionKeyReserved)
		}
	}
	if _, err := url.Parse(ce.Source()); err != nil {
		return NewError(KindValidationError, ErrSourceNotURI.Error(), ErrSourceNotURI)
	}
	if ce.Time().IsZero() {
		return NewError(KindValidationError, ErrTimeNotRFC3339.Error(), ErrTimeNotRFC3339)
	}
	return nil
}
