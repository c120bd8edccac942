package agentctx

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/broker"
	"github.com/amcp-go/amcp/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAgent struct {
	activated   int32
	deactivated int32
	destroyed   int32
	received    int32
	onHandle    func()
}

func (a *countingAgent) OnActivate(ctx context.Context) error {
	atomic.AddInt32(&a.activated, 1)
	return nil
}
func (a *countingAgent) OnDeactivate(ctx context.Context) error {
	atomic.AddInt32(&a.deactivated, 1)
	return nil
}
func (a *countingAgent) OnDestroy(ctx context.Context) error {
	atomic.AddInt32(&a.destroyed, 1)
	return nil
}
func (a *countingAgent) HandleEvent(ctx context.Context, event amcp.Event) error {
	atomic.AddInt32(&a.received, 1)
	if a.onHandle != nil {
		a.onHandle()
	}
	return nil
}

var _ AgentCore = (*countingAgent)(nil)

func newTestContext(t *testing.T) (*Context, broker.Broker) {
	t.Helper()
	cfg := amcp.DefaultConfig()
	cfg.PublishTimeout = time.Second
	cfg.BrokerDrainTimeout = time.Second
	b := broker.NewMemoryBroker(cfg, amcp.NopLogger{})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	dispatcher := lifecycle.NewDispatcher(nil)
	require.NoError(t, dispatcher.Start(context.Background()))
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	book := lifecycle.NewBook(func(h lifecycle.SubscriptionHandle) error {
		handle, ok := h.(broker.Handle)
		if !ok {
			return nil
		}
		return b.Unsubscribe(handle)
	})
	mgr := lifecycle.NewManager("urn:amcp:ctx-test", b, dispatcher, lifecycle.NewStore(), book, amcp.NopLogger{}, time.Second)

	ctx := New("urn:amcp:ctx-test", b, mgr, 4, time.Second, time.Second, amcp.NopLogger{})
	return ctx, b
}

func TestContext_RegisterActivateDeactivateDestroy(t *testing.T) {
	ctx, _ := newTestContext(t)
	agent := &countingAgent{}

	id, err := ctx.RegisterAgent("worker", agent)
	require.NoError(t, err)

	require.NoError(t, ctx.Activate(context.Background(), id))
	assert.Equal(t, int32(1), agent.activated)

	require.NoError(t, ctx.Deactivate(context.Background(), id))
	assert.Equal(t, int32(1), agent.deactivated)

	require.NoError(t, ctx.Destroy(context.Background(), id))
	assert.Equal(t, int32(1), agent.destroyed)

	_, err = ctx.FindAgent(id)
	require.Error(t, err)
}

func TestContext_SubscribeRoutesEventsAndAutoReleasesOnDeactivate(t *testing.T) {
	ctx, b := newTestContext(t)
	agent := &countingAgent{}
	id, err := ctx.RegisterAgent("worker", agent)
	require.NoError(t, err)
	require.NoError(t, ctx.Activate(context.Background(), id))

	_, err = ctx.Subscribe(id, "orders.*", func(hctx context.Context, event amcp.Event) error {
		return agent.HandleEvent(hctx, event)
	})
	require.NoError(t, err)

	ev, err := amcp.NewBuilder("orders.created").WithSource("urn:amcp:test").Build()
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), ev))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.received) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ctx.Deactivate(context.Background(), id))

	// A second publish after deactivation should not reach the released
	// subscription.
	require.NoError(t, b.Publish(context.Background(), ev))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&agent.received))
}

func TestContext_HandlersOfSameAgentNeverRunConcurrently(t *testing.T) {
	ctx, b := newTestContext(t)
	var concurrent int32
	var maxConcurrent int32
	agent := &countingAgent{onHandle: func() {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			max := atomic.LoadInt32(&maxConcurrent)
			if cur <= max || atomic.CompareAndSwapInt32(&maxConcurrent, max, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}}
	id, err := ctx.RegisterAgent("worker", agent)
	require.NoError(t, err)
	require.NoError(t, ctx.Activate(context.Background(), id))

	_, err = ctx.Subscribe(id, "orders.*", func(hctx context.Context, event amcp.Event) error {
		return agent.HandleEvent(hctx, event)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ev, err := amcp.NewBuilder("orders.created").WithSource("urn:amcp:test").Build()
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), ev))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.received) == 5
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))
}
