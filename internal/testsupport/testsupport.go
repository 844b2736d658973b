// Package testsupport provides shared test doubles for the SDK's own
// test suites: a capturing logger and a fake registry wired over the
// in-memory bus, so facade/worker tests exercise real request-reply
// without a live NATS server.
package testsupport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// LogEntry captures one structured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MockLogger implements every Logger interface shape used across the
// SDK (Debug/Info/Warn/Error) and records entries for assertion.
type MockLogger struct {
	mu   sync.Mutex
	logs []LogEntry
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger { return &MockLogger{} }

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues...) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues...) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues...) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues...) }

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns a copy of every captured entry.
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

// HasLog reports whether a log at level with message was captured.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.logs {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// Clear discards captured entries.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = nil
}

// FakeRegistry answers bootstrap and resolve requests over an in-memory
// bus, standing in for the real registry service in facade/worker tests.
type FakeRegistry struct {
	Bus *bus.InMemory

	mu           sync.Mutex
	capabilities map[string]capctl.BootstrapEntry
	resolveFunc  func(capability, version string) (capctl.ResolveOutput, error)
}

// NewFakeRegistry creates a FakeRegistry subscribed on the fixed subjects
// "system.registry.bootstrap" (bootstrap) and "system.registry" (resolve
// requests) over its own in-memory bus.
func NewFakeRegistry() *FakeRegistry {
	r := &FakeRegistry{Bus: bus.NewInMemory(), capabilities: make(map[string]capctl.BootstrapEntry)}
	_, _ = r.Bus.Subscribe("system.registry.bootstrap", "", r.handleBootstrap)
	_, _ = r.Bus.Subscribe("system.registry", "", r.handleRegistryRequest)
	return r
}

// Seed registers a capability entry both for bootstrap replies and for
// resolve() RegistryRequest lookups.
func (r *FakeRegistry) Seed(capRef string, entry capctl.BootstrapEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[capRef] = entry
}

// OnResolve overrides resolve handling with custom logic (e.g. to
// simulate registry failure for fallback-path tests).
func (r *FakeRegistry) OnResolve(fn func(capability, version string) (capctl.ResolveOutput, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveFunc = fn
}

func (r *FakeRegistry) handleBootstrap(ctx context.Context, subject string, data []byte) ([]byte, error) {
	r.mu.Lock()
	caps := make(map[string]capctl.BootstrapEntry, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[k] = v
	}
	r.mu.Unlock()
	return json.Marshal(capctl.BootstrapReply{Capabilities: caps})
}

// registryParams is the {cap, version} shape carried in a RegistryRequest's
// Params when invoking the registry capability's own "resolve"/"discover"
// methods (the request envelope addresses "system.registry" itself; the
// capability actually being looked up travels in the params).
type registryParams struct {
	Cap     string `json:"cap"`
	Version string `json:"version"`
}

func (r *FakeRegistry) handleRegistryRequest(ctx context.Context, subject string, data []byte) ([]byte, error) {
	var req capctl.RegistryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return json.Marshal(capctl.RegistryResponse{Ok: false, Error: capctl.NewCapabilityError(capctl.ErrInvalidRequest, "malformed registry request", false).ToResultError()})
	}

	var params registryParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.Cap == "" {
		params.Cap = req.Cap
	}

	r.mu.Lock()
	fn := r.resolveFunc
	entry, seeded := r.capabilities[params.Cap]
	r.mu.Unlock()

	if fn != nil {
		out, err := fn(params.Cap, params.Version)
		if err != nil {
			capErr := capctl.AsCapabilityError(err)
			return json.Marshal(capctl.RegistryResponse{ID: req.ID, Ok: false, Error: capErr.ToResultError()})
		}
		result, _ := json.Marshal(out)
		return json.Marshal(capctl.RegistryResponse{ID: req.ID, Ok: true, Result: result})
	}

	if !seeded {
		notFound := capctl.NewCapabilityError(capctl.ErrNotFound, "capability not registered", false)
		return json.Marshal(capctl.RegistryResponse{ID: req.ID, Ok: false, Error: notFound.ToResultError()})
	}

	out := capctl.ResolveOutput{
		CanonicalIdentity: entry.CanonicalIdentity,
		NatsURL:           entry.NatsURL,
		Subject:           entry.Subject,
		Major:             entry.Major,
		ResolvedVersion:   entry.ResolvedVersion,
		Status:            entry.Status,
		TTLSeconds:        entry.TTLSeconds,
		Etag:              entry.Etag,
	}
	result, _ := json.Marshal(out)
	return json.Marshal(capctl.RegistryResponse{ID: req.ID, Ok: true, Result: result})
}
