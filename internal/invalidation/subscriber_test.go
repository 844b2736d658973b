package invalidation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

func TestSubscriberDispatchesDecodedEvents(t *testing.T) {
	b := bus.NewInMemory()
	s := New(b, "registry.changed", nil)

	var mu sync.Mutex
	var received []capctl.RegistryChangedEvent
	s.OnChange(func(event capctl.RegistryChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
	})

	require.NoError(t, s.Start(context.Background()))

	payload, err := json.Marshal(capctl.RegistryChangedEvent{App: "billing", Capability: "charge", Revision: 3})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "registry.changed", payload))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "billing", received[0].App)
	assert.Equal(t, int64(3), received[0].Revision)
}

func TestSubscriberSurvivesHandlerPanicAndDecodeErrors(t *testing.T) {
	b := bus.NewInMemory()
	s := New(b, "registry.changed", nil)

	var calls int
	var mu sync.Mutex
	s.OnChange(func(event capctl.RegistryChangedEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "registry.changed", []byte("not json")))
	payload, _ := json.Marshal(capctl.RegistryChangedEvent{Capability: "x"})
	require.NoError(t, b.Publish(context.Background(), "registry.changed", payload))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "handler should run once for the valid event despite the earlier decode error and its own panic")
}

func TestStopIsIdempotentAndUnsubscribesBothSubjects(t *testing.T) {
	b := bus.NewInMemory()
	s := New(b, "registry.changed", nil)

	var calls int
	var mu sync.Mutex
	s.OnChange(func(event capctl.RegistryChangedEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	payload, err := json.Marshal(capctl.RegistryChangedEvent{Capability: "x"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "registry.changed", payload))
	require.NoError(t, b.Publish(context.Background(), "registry.changed.*", payload))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls, "no handler should run on either subject after Stop")
}
