package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/amcp-go/amcp"
	"github.com/amcp-go/amcp/broker"
	"github.com/amcp-go/amcp/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T) broker.Broker {
	t.Helper()
	cfg := amcp.DefaultConfig()
	cfg.PublishTimeout = 200 * time.Millisecond
	b := broker.NewMemoryBroker(cfg, amcp.NopLogger{})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

// echoResponder subscribes to task.request and immediately answers
// every request addressed to it with a successful task.response,
// echoing back whatever capability it was asked for as the payload.
func echoResponder(t *testing.T, b broker.Broker, agentID amcp.AgentID) {
	t.Helper()
	_, err := b.Subscribe(TopicRequest, func(ctx context.Context, event amcp.Event) error {
		if event.Metadata()["targetAgentId"] != agentID.String() {
			return nil
		}
		resp, err := amcp.NewBuilder(TopicResponse).
			WithSource("urn:amcp:test-agent").
			WithCorrelationID(event.CorrelationID()).
			WithMetadata("taskId", event.Metadata()["taskId"]).
			WithMetadata("status", "ok").
			WithData(fmt.Sprintf("result-for-%s", event.Subject())).
			Build()
		if err != nil {
			return err
		}
		return b.PublishSystem(ctx, resp)
	}, agentID)
	require.NoError(t, err)
}

// failingResponder always answers with status=error.
func failingResponder(t *testing.T, b broker.Broker, agentID amcp.AgentID) {
	t.Helper()
	_, err := b.Subscribe(TopicRequest, func(ctx context.Context, event amcp.Event) error {
		if event.Metadata()["targetAgentId"] != agentID.String() {
			return nil
		}
		resp, err := amcp.NewBuilder(TopicResponse).
			WithSource("urn:amcp:test-agent").
			WithCorrelationID(event.CorrelationID()).
			WithMetadata("taskId", event.Metadata()["taskId"]).
			WithMetadata("status", "error").
			WithMetadata("error", "boom").
			Build()
		if err != nil {
			return err
		}
		return b.PublishSystem(ctx, resp)
	}, agentID)
	require.NoError(t, err)
}

type fakePlanner struct {
	plan        TaskPlan
	planErr     error
	synthesized interface{}
	synthErr    error
}

func (p *fakePlanner) Plan(ctx context.Context, userRequest string, availableCapabilities []string) (TaskPlan, error) {
	return p.plan, p.planErr
}

func (p *fakePlanner) Synthesize(ctx context.Context, userRequest string, results map[string]TaskResult) (interface{}, error) {
	if p.synthErr != nil {
		return nil, p.synthErr
	}
	return p.synthesized, nil
}

func TestOrchestrator_FanOutFanIn(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)

	weatherAgent := amcp.AgentID{ID: "wa", Type: "weather"}
	stockAgent := amcp.AgentID{ID: "sa", Type: "stock"}
	require.NoError(t, reg.Register(context.Background(), weatherAgent, []string{"cap.weather"}, "", nil))
	require.NoError(t, reg.Register(context.Background(), stockAgent, []string{"cap.stock"}, "", nil))
	echoResponder(t, b, weatherAgent)
	echoResponder(t, b, stockAgent)

	planner := &fakePlanner{
		plan: TaskPlan{Tasks: []Task{
			{ID: "t1", Capability: "cap.weather"},
			{ID: "t2", Capability: "cap.stock"},
			{ID: "t3", Capability: "cap.weather", DependsOn: []string{"t1", "t2"}},
		}},
		synthesized: "synthesized-result",
	}

	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, 2*time.Second)
	result, err := o.Orchestrate(context.Background(), "what's the weather and stock")
	require.NoError(t, err)
	assert.Equal(t, "synthesized-result", result.Value)
	require.Len(t, result.TaskResults, 3)
	for _, id := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, TaskSucceeded, result.TaskResults[id].Status, id)
	}
}

func TestOrchestrator_OptionalTaskFailureDoesNotCascade(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)

	failAgent := amcp.AgentID{ID: "fa", Type: "flaky"}
	okAgent := amcp.AgentID{ID: "oa", Type: "ok"}
	require.NoError(t, reg.Register(context.Background(), failAgent, []string{"cap.flaky"}, "", nil))
	require.NoError(t, reg.Register(context.Background(), okAgent, []string{"cap.ok"}, "", nil))
	failingResponder(t, b, failAgent)
	echoResponder(t, b, okAgent)

	planner := &fakePlanner{
		plan: TaskPlan{Tasks: []Task{
			{ID: "opt", Capability: "cap.flaky", Optional: true},
			{ID: "final", Capability: "cap.ok", DependsOn: []string{"opt"}},
		}},
		synthesized: "ok",
	}

	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, 2*time.Second)
	result, err := o.Orchestrate(context.Background(), "request")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, result.TaskResults["opt"].Status)
	assert.Equal(t, TaskSucceeded, result.TaskResults["final"].Status)
}

func TestOrchestrator_RequiredFailureCascades(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)

	failAgent := amcp.AgentID{ID: "fa", Type: "flaky"}
	require.NoError(t, reg.Register(context.Background(), failAgent, []string{"cap.flaky"}, "", nil))
	failingResponder(t, b, failAgent)

	planner := &fakePlanner{
		plan: TaskPlan{Tasks: []Task{
			{ID: "required", Capability: "cap.flaky"},
			{ID: "dependent", Capability: "cap.flaky", DependsOn: []string{"required"}},
		}},
		synthesized: "partial",
	}

	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, 2*time.Second)
	result, err := o.Orchestrate(context.Background(), "request")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, result.TaskResults["required"].Status)
	assert.Equal(t, TaskSkipped, result.TaskResults["dependent"].Status)
}

func TestOrchestrator_CapabilityNotFound(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)
	planner := &fakePlanner{plan: TaskPlan{Tasks: []Task{{ID: "t1", Capability: "cap.missing"}}}}

	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, time.Second)
	result, err := o.Orchestrate(context.Background(), "request")
	require.NoError(t, err) // orchestrator surfaces a structured failure, not the first error
	assert.Equal(t, TaskFailed, result.TaskResults["t1"].Status)
	assert.Equal(t, amcp.KindCapabilityNotFound, amcp.KindOf(result.TaskResults["t1"].Err))
}

func TestOrchestrator_CyclicPlanRejected(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)
	planner := &fakePlanner{plan: TaskPlan{Tasks: []Task{
		{ID: "a", Capability: "cap.a", DependsOn: []string{"b"}},
		{ID: "b", Capability: "cap.b", DependsOn: []string{"a"}},
	}}}

	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, time.Second)
	_, err := o.Orchestrate(context.Background(), "request")
	require.Error(t, err)
	assert.Equal(t, amcp.KindValidationError, amcp.KindOf(err))
}

func TestOrchestrator_EmptyRequestRejected(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)
	o := New("urn:amcp:ctx", b, reg, &fakePlanner{}, amcp.NopLogger{}, time.Second)
	_, err := o.Orchestrate(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestOrchestrator_DeadlineExceeded(t *testing.T) {
	b := testBroker(t)
	reg := capability.NewRegistry("urn:amcp:ctx", b, amcp.NopLogger{}, time.Hour, time.Hour)
	agentID := amcp.AgentID{ID: "slow", Type: "slow"}
	require.NoError(t, reg.Register(context.Background(), agentID, []string{"cap.slow"}, "", nil))
	// No responder subscribed: the request is never answered, forcing
	// the session deadline to fire.

	planner := &fakePlanner{plan: TaskPlan{Tasks: []Task{{ID: "t1", Capability: "cap.slow"}}}}
	o := New("urn:amcp:ctx", b, reg, planner, amcp.NopLogger{}, 50*time.Millisecond)
	_, err := o.Orchestrate(context.Background(), "request")
	require.Error(t, err)
	assert.Equal(t, amcp.KindTimeoutError, amcp.KindOf(err))
}
