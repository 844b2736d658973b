package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/internal/testsupport"
	"github.com/jeeves-cluster-organization/capctl/internal/validation"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

func bootstrapFor(subject string) map[string]capctl.BootstrapEntry {
	return map[string]capctl.BootstrapEntry{
		"billing.charge": {Subject: subject, NatsURL: "nats://default"},
	}
}

func sendEnvelope(t *testing.T, b bus.Bus, subject string, env capctl.Envelope) capctl.Result {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	reply, err := b.Request(context.Background(), subject, payload, time.Second)
	require.NoError(t, err)
	var res capctl.Result
	require.NoError(t, json.Unmarshal(reply, &res))
	return res
}

func TestDefaultEchoHandlerReturnsParamsUnchanged(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	env := capctl.Envelope{Capability: "billing.charge", Method: "create", Params: json.RawMessage(`{"amount":10}`)}
	res := sendEnvelope(t, b, "cap.billing.charge.v2", env)

	require.True(t, res.Ok)
	assert.JSONEq(t, `{"amount":10}`, string(res.Data))
}

func TestRegisteredHandlerIsDispatchedByCapability(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	c.RegisterHandler("billing.charge", func(ctx context.Context, env capctl.Envelope, sandboxEnv map[string]any) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"chargeId": "ch_1", "pool": sandboxEnv["poolId"]})
	})
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 2, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	env := capctl.Envelope{Capability: "billing.charge", Method: "create", Params: json.RawMessage(`{}`)}
	res := sendEnvelope(t, b, "cap.billing.charge.v2", env)

	require.True(t, res.Ok)
	var data map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "ch_1", data["chargeId"])
	assert.Equal(t, "pool-1", data["pool"])
}

func TestHandlerPanicSurfacesAsRetryableInternalError(t *testing.T) {
	b := bus.NewInMemory()
	log := testsupport.NewMockLogger()
	c := New(b, nil, log)
	c.RegisterHandler("billing.charge", func(ctx context.Context, env capctl.Envelope, sandboxEnv map[string]any) (json.RawMessage, error) {
		panic("boom")
	})
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	res := sendEnvelope(t, b, "cap.billing.charge.v2", capctl.Envelope{Capability: "billing.charge", Method: "create"})
	require.False(t, res.Ok)
	assert.Equal(t, capctl.ErrInternal, res.Error.Code)
	assert.True(t, res.Error.Retryable)
	assert.True(t, log.HasLog("error", "worker_handler_panic_recovered"))
}

func TestInvalidEnvelopeIsRejected(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	reply, err := b.Request(context.Background(), "cap.billing.charge.v2", []byte("not json"), time.Second)
	require.NoError(t, err)
	var res capctl.Result
	require.NoError(t, json.Unmarshal(reply, &res))
	require.False(t, res.Ok)
	assert.Equal(t, capctl.ErrInvalidRequest, res.Error.Code)
}

func TestParamsFailingSchemaValidationIsRejected(t *testing.T) {
	v := validation.NewJSONSchemaValidator()
	require.NoError(t, v.Register("billing.charge", "create", "params", `{"type":"object","required":["amount"]}`))

	b := bus.NewInMemory()
	c := New(b, v, testsupport.NewMockLogger())
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	res := sendEnvelope(t, b, "cap.billing.charge.v2", capctl.Envelope{Capability: "billing.charge", Method: "create", Params: json.RawMessage(`{}`)})
	require.False(t, res.Ok)
	assert.Equal(t, capctl.ErrValidation, res.Error.Code)
}

func TestQueueGroupWithConcurrentWorkersAnswersEveryRequest(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 3, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	for i := 0; i < 6; i++ {
		res := sendEnvelope(t, b, "cap.billing.charge.v2", capctl.Envelope{Capability: "billing.charge", Method: "create", Params: json.RawMessage(`{}`)})
		require.True(t, res.Ok)
	}
}

func TestReconfigureResubscribesPool(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	pool := PoolConfig{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"}
	require.NoError(t, c.Start(context.Background(), []PoolConfig{pool}, bootstrapFor("cap.billing.charge.v2")))

	require.NoError(t, c.Reconfigure(context.Background(), pool, bootstrapFor("cap.billing.charge.v2")))

	res := sendEnvelope(t, b, "cap.billing.charge.v2", capctl.Envelope{Capability: "billing.charge", Method: "create", Params: json.RawMessage(`{"x":1}`)})
	require.True(t, res.Ok)
}

func TestStopUnsubscribesEveryPool(t *testing.T) {
	b := bus.NewInMemory()
	c := New(b, nil, testsupport.NewMockLogger())
	require.NoError(t, c.Start(context.Background(), []PoolConfig{
		{ID: "pool-1", Capabilities: []string{"billing.charge"}, ConcurrentWorkers: 1, ConsumerGroup: "g1"},
	}, bootstrapFor("cap.billing.charge.v2")))

	c.Stop()

	_, err := b.Request(context.Background(), "cap.billing.charge.v2", []byte(`{}`), 50*time.Millisecond)
	require.Error(t, err)
}
