package amcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Defaults(t *testing.T) {
	e, err := NewBuilder("weather.alert.severe").
		WithSource("urn:agent:weather-agent").
		Build()
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID())
	assert.Equal(t, "weather.alert.severe", e.Topic())
	assert.Equal(t, "io.amcp.event.weather.alert.severe", e.Type())
	assert.Equal(t, "weather.alert.severe", e.Subject())
	assert.Equal(t, "application/json", e.DataContentType())
	assert.False(t, e.Time().IsZero())
	assert.Equal(t, DefaultDeliveryOptions(), e.DeliveryOptions())
	assert.False(t, e.HasExplicitDeliveryOptions())
}

func TestBuilder_ExplicitFieldsSurvive(t *testing.T) {
	sender := AgentID{ID: "a1", Type: "weather-agent"}
	opts := DeliveryOptions{Reliable: true, Priority: PriorityHigh}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	e, err := NewBuilder("orders.new").
		WithID("fixed-id").
		WithType("custom.type").
		WithSource("urn:agent:order-agent").
		WithSubject("order-42").
		WithTime(ts).
		WithCorrelationID("corr-1").
		WithSender(sender).
		WithMetadata("priority", "high").
		WithDeliveryOptions(opts).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "fixed-id", e.ID())
	assert.Equal(t, "custom.type", e.Type())
	assert.Equal(t, "order-42", e.Subject())
	assert.True(t, ts.Equal(e.Time()))
	assert.Equal(t, "corr-1", e.CorrelationID())
	assert.Equal(t, sender, e.Sender())
	assert.Equal(t, "high", e.Metadata()["priority"])
	assert.Equal(t, opts, e.DeliveryOptions())
	assert.True(t, e.HasExplicitDeliveryOptions())
}

func TestBuilder_Validation(t *testing.T) {
	cases := []struct {
		name    string
		build   func() (Event, error)
		wantErr error
	}{
		{
			"empty topic",
			func() (Event, error) { return NewBuilder("").WithSource("urn:x").Build() },
			ErrEventTopicEmpty,
		},
		{
			"empty topic segment",
			func() (Event, error) { return NewBuilder("weather..alert").WithSource("urn:x").Build() },
			ErrEventTopicInvalid,
		},
		{
			"missing source",
			func() (Event, error) { return NewBuilder("weather.alert").Build() },
			ErrEventSourceEmpty,
		},
		{
			"reserved metadata key",
			func() (Event, error) {
				return NewBuilder("weather.alert").
					WithSource("urn:x").
					WithMetadata("ce-special", "v").
					Build()
			},
			ErrReservedMetadataKey,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.build()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, KindValidationError, KindOf(err))
		})
	}
}

func TestEvent_Metadata_IsDefensiveCopy(t *testing.T) {
	e, err := NewBuilder("weather.alert").
		WithSource("urn:x").
		WithMetadata("k", "v").
		Build()
	require.NoError(t, err)

	m := e.Metadata()
	m["k"] = "mutated"
	m["new"] = "added"

	assert.Equal(t, "v", e.Metadata()["k"])
	_, ok := e.Metadata()["new"]
	assert.False(t, ok)
}

func TestEvent_IsExpired(t *testing.T) {
	now := time.Now().UTC()
	e, err := NewBuilder("weather.alert").
		WithSource("urn:x").
		WithTime(now).
		WithDeliveryOptions(DeliveryOptions{TTL: time.Second}).
		Build()
	require.NoError(t, err)

	assert.False(t, e.IsExpired(now.Add(500*time.Millisecond)))
	assert.True(t, e.IsExpired(now.Add(2*time.Second)))

	noTTL, err := NewBuilder("weather.alert").WithSource("urn:x").Build()
	require.NoError(t, err)
	assert.False(t, noTTL.IsExpired(now.Add(100*365*24*time.Hour)))
}

func TestEvent_IsCloudEventsCompliant(t *testing.T) {
	e, err := NewBuilder("weather.alert").WithSource("urn:x").Build()
	require.NoError(t, err)
	assert.True(t, e.IsCloudEventsCompliant())
}

func TestAgentID_EqualAndString(t *testing.T) {
	a := AgentID{ID: "1", Type: "weather-agent"}
	b := AgentID{ID: "1", Type: "weather-agent"}
	c := AgentID{ID: "2", Type: "weather-agent"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "weather-agent/1", a.String())
	assert.True(t, AgentID{}.IsZero())
	assert.False(t, a.IsZero())
}
