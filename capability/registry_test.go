package capability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishSystem(ctx context.Context, event amcp.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, event.Topic())
	return nil
}

func (p *recordingPublisher) seen(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestRegistry_RegisterAndFind(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRegistry("urn:amcp:ctx1", pub, amcp.NopLogger{}, time.Hour, time.Hour)

	wa := amcp.AgentID{ID: "wa", Type: "weather"}
	require.NoError(t, r.Register(context.Background(), wa, []string{"cap.weather"}, "weather agent", nil))

	found := r.FindByCapability("cap.weather")
	require.Len(t, found, 1)
	assert.Equal(t, wa, found[0])
	assert.Equal(t, 1, pub.seen(EventRegistered))

	_, err := r.SelectByCapability("cap.stock")
	require.Error(t, err)
	assert.Equal(t, amcp.KindCapabilityNotFound, amcp.KindOf(err))
}

func TestRegistry_SelectByCapability_RoundRobin(t *testing.T) {
	r := NewRegistry("urn:amcp:ctx1", nil, amcp.NopLogger{}, time.Hour, time.Hour)

	a1 := amcp.AgentID{ID: "a1", Type: "worker"}
	a2 := amcp.AgentID{ID: "a2", Type: "worker"}
	require.NoError(t, r.Register(context.Background(), a1, []string{"cap.work"}, "", nil))
	require.NoError(t, r.Register(context.Background(), a2, []string{"cap.work"}, "", nil))

	first, err := r.SelectByCapability("cap.work")
	require.NoError(t, err)
	second, err := r.SelectByCapability("cap.work")
	require.NoError(t, err)
	third, err := r.SelectByCapability("cap.work")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestRegistry_Deregister(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRegistry("urn:amcp:ctx1", pub, amcp.NopLogger{}, time.Hour, time.Hour)
	id := amcp.AgentID{ID: "a1", Type: "worker"}
	require.NoError(t, r.Register(context.Background(), id, []string{"cap.work"}, "", nil))
	require.NoError(t, r.Deregister(context.Background(), id))

	assert.Empty(t, r.FindByCapability("cap.work"))
	assert.Equal(t, 1, pub.seen(EventRemoved))

	err := r.Deregister(context.Background(), id)
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
}

func TestRegistry_HeartbeatExpiry(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRegistry("urn:amcp:ctx1", pub, amcp.NopLogger{}, 10*time.Millisecond, 10*time.Millisecond)
	id := amcp.AgentID{ID: "a1", Type: "worker"}
	require.NoError(t, r.Register(context.Background(), id, []string{"cap.work"}, "", nil))

	// Age the record past the SUSPECT threshold without advancing a
	// fake clock: sweep() reads time.Now() directly, so we force the
	// record's lastHeartbeat into the past instead.
	r.mu.Lock()
	r.entries[id.String()].record.lastHeartbeat = time.Now().Add(-15 * time.Millisecond)
	r.mu.Unlock()
	r.sweep(context.Background())

	found := r.FindByCapability("cap.work")
	require.Len(t, found, 1, "SUSPECT records still resolve")
	assert.Equal(t, 1, pub.seen(EventUnhealthy))

	// Past 2x heartbeatTimeout the record is removed entirely (spec §8
	// testable property 7).
	r.mu.Lock()
	r.entries[id.String()].record.lastHeartbeat = time.Now().Add(-30 * time.Millisecond)
	r.mu.Unlock()
	r.sweep(context.Background())

	assert.Empty(t, r.FindByCapability("cap.work"))
	_, err := r.SelectByCapability("cap.work")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.Equal(t, 1, pub.seen(EventRemoved))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry("urn:amcp:ctx1", nil, amcp.NopLogger{}, time.Hour, time.Hour)

	err := r.Register(context.Background(), amcp.AgentID{}, []string{"cap.x"}, "", nil)
	assert.ErrorIs(t, err, ErrAgentIDEmpty)

	err = r.Register(context.Background(), amcp.AgentID{ID: "a", Type: "t"}, nil, "", nil)
	assert.ErrorIs(t, err, ErrNoCapabilities)
}
