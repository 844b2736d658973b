package client

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/capctl/internal/config"
	"github.com/jeeves-cluster-organization/capctl/internal/testsupport"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

const defaultURL = "nats://default"

func newTestClient(t *testing.T, reg *testsupport.FakeRegistry) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.DefaultTimeoutMs = 2000

	c, err := New(context.Background(), Options{
		DefaultConn:   reg.Bus,
		DefaultBusURL: defaultURL,
		Config:        cfg,
		Logger:        testsupport.NewMockLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNewFailsWhenBootstrapHasNoCapabilities(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	_, err := New(context.Background(), Options{DefaultConn: reg.Bus, DefaultBusURL: defaultURL, Config: config.Default()})
	require.Error(t, err)
	capErr := capctl.AsCapabilityError(err)
	assert.Equal(t, capctl.ErrRegistryUnavailable, capErr.Code)
}

func TestInvokeSubjectRoutesDirectlyAndReturnsResult(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	reg.Seed("system.registry", capctl.BootstrapEntry{Subject: "system.registry", NatsURL: defaultURL})

	_, err := reg.Bus.Subscribe("cap.billing.charge.v2", "", func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		return json.Marshal(map[string]any{"ok": true, "data": map[string]any{"chargeId": "ch_1"}})
	})
	require.NoError(t, err)

	c := newTestClient(t, reg)

	res, err := c.InvokeSubject(context.Background(), capctl.Resolved{Subject: "cap.billing.charge.v2", NatsURL: defaultURL}, "create", map[string]any{"amount": 10}, nil)
	require.NoError(t, err)
	require.True(t, res.Ok)

	var data map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "ch_1", data["chargeId"])
}

func TestInvokeFillsDefaultTenantIDWhenAbsent(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	reg.Seed("system.registry", capctl.BootstrapEntry{Subject: "system.registry", NatsURL: defaultURL})

	var capturedTenantID string
	_, err := reg.Bus.Subscribe("cap.billing.charge.v2", "", func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		var wire struct {
			Ctx struct {
				TenantID string `json:"tenantId"`
			} `json:"ctx"`
		}
		_ = json.Unmarshal(data, &wire)
		capturedTenantID = wire.Ctx.TenantID
		return json.Marshal(map[string]any{"ok": true, "data": map[string]any{"pong": true}})
	})
	require.NoError(t, err)

	c := newTestClient(t, reg)

	res, err := c.InvokeSubject(context.Background(), capctl.Resolved{Subject: "cap.billing.charge.v2", NatsURL: defaultURL}, "ping", map[string]any{}, nil)
	require.NoError(t, err)
	require.True(t, res.Ok)
	assert.Equal(t, "default", capturedTenantID)
}

func TestInvokeResolvesThroughBootstrapSeededCache(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	reg.Seed("system.registry", capctl.BootstrapEntry{Subject: "system.registry", NatsURL: defaultURL})
	reg.Seed("billing.charge", capctl.BootstrapEntry{
		Subject: "cap.billing.charge.v2", NatsURL: defaultURL, Major: 2, ResolvedVersion: "2.0.0",
	})

	_, err := reg.Bus.Subscribe("cap.billing.charge.v2", "", func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		return json.Marshal(map[string]any{"ok": true, "data": map[string]any{"chargeId": "ch_2"}})
	})
	require.NoError(t, err)

	c := newTestClient(t, reg)

	res, err := c.Invoke(context.Background(), "billing.charge", "create", map[string]any{"amount": 20}, nil)
	require.NoError(t, err)
	require.True(t, res.Ok)

	var data map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "ch_2", data["chargeId"])
}

func TestInvokeSurfacesCapabilityNotFound(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	reg.Seed("system.registry", capctl.BootstrapEntry{Subject: "system.registry", NatsURL: defaultURL})

	c := newTestClient(t, reg)

	res, err := c.Invoke(context.Background(), "unknown.capability", "create", map[string]any{}, nil)
	require.NoError(t, err)
	require.False(t, res.Ok)
	assert.Equal(t, capctl.ErrNotFound, res.Error.Code)
}

func TestInvalidationSubscriberInvalidatesResolutionCacheOnChangeEvent(t *testing.T) {
	reg := testsupport.NewFakeRegistry()
	reg.Seed("system.registry", capctl.BootstrapEntry{Subject: "system.registry", NatsURL: defaultURL})
	reg.Seed("billing.charge", capctl.BootstrapEntry{Subject: "cap.billing.charge.v2", NatsURL: defaultURL})

	c := newTestClient(t, reg)

	key := "billing.charge"
	assert.True(t, c.resolutionCache.Has(key))

	event := capctl.RegistryChangedEvent{App: "billing", Capability: "charge"}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	err = reg.Bus.Publish(context.Background(), "registry.changed", payload)
	require.NoError(t, err)

	assert.False(t, c.resolutionCache.Has(key))
}
