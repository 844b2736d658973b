// Package worker implements the Worker Consumer: queue-group
// subscriptions that receive Invocation Envelopes over the bus, dispatch
// them to a registered handler by capability name, and reply with a
// serialized Result.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/internal/observability"
	"github.com/jeeves-cluster-organization/capctl/internal/validation"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// Handler processes one invocation for a capability this worker serves.
// SandboxEnv carries the environment the pool configuration binds
// ("sandboxId", "poolId" and the single "capability" this subscription
// serves) for handlers that need it.
type Handler func(ctx context.Context, env capctl.Envelope, sandboxEnv map[string]any) (json.RawMessage, error)

// Logger is the structured logging interface used for decode/validation
// failures and recovered handler panics.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PoolConfig describes one worker pool's wiring: which capabilities it
// serves, how many concurrent subscriptions back each one, and the queue
// group name the bus uses to load-balance across the pool.
type PoolConfig struct {
	ID                string
	SandboxID         string
	Capabilities      []string
	ConcurrentWorkers int
	ConsumerGroup     string
}

// echoHandler is the default handler for a capability with no registered
// Handler: it returns the received params unchanged.
func echoHandler(ctx context.Context, env capctl.Envelope, sandboxEnv map[string]any) (json.RawMessage, error) {
	return env.Params, nil
}

// Consumer is the Worker Consumer from spec §4.10.
type Consumer struct {
	bus       bus.Bus
	validator validation.SchemaValidator
	log       Logger

	mu       sync.Mutex
	handlers map[string]Handler
	subs     map[string][]bus.Subscription // keyed by pool ID
	pools    map[string]PoolConfig
}

// New creates a Consumer bound to b. A nil validator disables schema
// validation of inbound params (every envelope passes).
func New(b bus.Bus, validator validation.SchemaValidator, log Logger) *Consumer {
	if validator == nil {
		validator = validation.NoopValidator{}
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Consumer{
		bus:       b,
		validator: validator,
		log:       log,
		handlers:  make(map[string]Handler),
		subs:      make(map[string][]bus.Subscription),
		pools:     make(map[string]PoolConfig),
	}
}

// RegisterHandler binds capability to h, overriding the default echo
// handler for it.
func (c *Consumer) RegisterHandler(capability string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[capability] = h
}

// Start resolves each pool's capabilities to a subject via bootstrap (the
// same shape the client facade consumes) and opens concurrentWorkers
// queue-group subscriptions per subject, so the bus delivers each message
// to exactly one subscriber across the pool.
func (c *Consumer) Start(ctx context.Context, pools []PoolConfig, bootstrap map[string]capctl.BootstrapEntry) error {
	for _, p := range pools {
		if err := c.startPool(ctx, p, bootstrap); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) startPool(ctx context.Context, p PoolConfig, bootstrap map[string]capctl.BootstrapEntry) error {
	workers := p.ConcurrentWorkers
	if workers <= 0 {
		workers = 1
	}

	var subs []bus.Subscription
	for _, capability := range p.Capabilities {
		entry, ok := bootstrap[capability]
		if !ok {
			c.teardown(subs)
			return fmt.Errorf("worker pool %q: capability %q has no bootstrap entry", p.ID, capability)
		}
		for i := 0; i < workers; i++ {
			sub, err := c.bus.Subscribe(entry.Subject, p.ConsumerGroup, c.handlerFor(p, capability))
			if err != nil {
				c.teardown(subs)
				return fmt.Errorf("worker pool %q: subscribing to %q: %w", p.ID, entry.Subject, err)
			}
			subs = append(subs, sub)
		}
	}

	c.mu.Lock()
	c.subs[p.ID] = subs
	c.pools[p.ID] = p
	c.mu.Unlock()
	return nil
}

func (c *Consumer) teardown(subs []bus.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func (c *Consumer) handlerFor(p PoolConfig, capability string) bus.Handler {
	sandboxEnv := map[string]any{"sandboxId": p.SandboxID, "poolId": p.ID, "capability": capability}
	return func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		return c.handle(ctx, subject, sandboxEnv, data)
	}
}

func (c *Consumer) handle(ctx context.Context, subject string, sandboxEnv map[string]any, data []byte) (reply []byte, _ error) {
	startedAt := time.Now()

	var env capctl.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		observability.RecordWorkerHandled(subject, "invalid_request")
		return marshalResult(errResult(capctl.ErrInvalidRequest, "envelope is not valid JSON", false, startedAt))
	}
	if env.Capability == "" || env.Method == "" {
		observability.RecordWorkerHandled(subject, "invalid_argument")
		return marshalResult(errResult(capctl.ErrInvalidArgument, "envelope missing capability or method", false, startedAt))
	}

	var params any
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			observability.RecordWorkerHandled(subject, "invalid_request")
			return marshalResult(errResult(capctl.ErrInvalidRequest, "params is not valid JSON", false, startedAt))
		}
	}
	if err := c.validator.Validate(env.Capability, env.Method, "params", params); err != nil {
		observability.RecordWorkerHandled(subject, "validation_error")
		return marshalResult(errResult(capctl.ErrValidation, "params failed schema validation: "+err.Error(), false, startedAt))
	}

	c.mu.Lock()
	h, ok := c.handlers[env.Capability]
	c.mu.Unlock()
	if !ok {
		h = echoHandler
	}

	result := c.invokeSafely(ctx, h, env, sandboxEnv, startedAt)
	status := "ok"
	if !result.Ok {
		status = "error"
	}
	observability.RecordWorkerHandled(subject, status)
	return marshalResult(result)
}

func (c *Consumer) invokeSafely(ctx context.Context, h Handler, env capctl.Envelope, sandboxEnv map[string]any, startedAt time.Time) (res *capctl.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("worker_handler_panic_recovered",
				"capability", env.Capability, "method", env.Method,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = errResult(capctl.ErrInternal, "internal error", true, startedAt)
		}
	}()

	data, err := h(ctx, env, sandboxEnv)
	if err != nil {
		capErr := capctl.AsCapabilityError(err)
		e := errResult(capErr.Code, capErr.Message, true, startedAt)
		e.Error.Details = capErr.Details
		return e
	}

	endedAt := time.Now()
	return &capctl.Result{
		Ok:   true,
		Data: data,
		Meta: capctl.ResultMeta{
			StartedAtUnixMs: startedAt.UnixMilli(),
			EndedAtUnixMs:   endedAt.UnixMilli(),
			DurationMs:      endedAt.Sub(startedAt).Milliseconds(),
		},
	}
}

func errResult(code capctl.ErrorCode, message string, retryable bool, startedAt time.Time) *capctl.Result {
	endedAt := time.Now()
	return &capctl.Result{
		Ok:    false,
		Error: &capctl.ResultError{Code: code, Message: message, Retryable: retryable},
		Meta: capctl.ResultMeta{
			StartedAtUnixMs: startedAt.UnixMilli(),
			EndedAtUnixMs:   endedAt.UnixMilli(),
			DurationMs:      endedAt.Sub(startedAt).Milliseconds(),
		},
	}
}

func marshalResult(res *capctl.Result) ([]byte, error) {
	data, err := json.Marshal(res)
	return data, err
}

// Reconfigure hot-reloads pool p: it unsubscribes each of the pool's own
// subscriptions and then resubscribes with the new configuration. It
// does not wait for handler calls already running on the old
// subscriptions to finish, and it does not drain the underlying bus
// connection, which other pools may share.
func (c *Consumer) Reconfigure(ctx context.Context, p PoolConfig, bootstrap map[string]capctl.BootstrapEntry) error {
	c.mu.Lock()
	old := c.subs[p.ID]
	delete(c.subs, p.ID)
	c.mu.Unlock()

	for _, s := range old {
		_ = s.Unsubscribe()
	}
	return c.startPool(ctx, p, bootstrap)
}

// Stop unsubscribes every pool's subscriptions.
func (c *Consumer) Stop() {
	c.mu.Lock()
	all := c.subs
	c.subs = make(map[string][]bus.Subscription)
	c.mu.Unlock()

	for _, subs := range all {
		c.teardown(subs)
	}
}
