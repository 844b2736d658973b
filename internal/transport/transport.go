// Package transport implements the Transport Core: the terminal pipeline
// stage that serializes an Envelope to the wire format, sends it over a
// pooled bus connection, and decodes the reply into a Result.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jeeves-cluster-organization/capctl/internal/observability"
	"github.com/jeeves-cluster-organization/capctl/internal/pool"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// wireRequest is the JSON payload sent on the resolved subject.
type wireRequest struct {
	Capability string                   `json:"capability"`
	Version    string                   `json:"version,omitempty"`
	Method     string                   `json:"method"`
	Params     json.RawMessage          `json:"params,omitempty"`
	Ctx        capctl.InvocationContext `json:"ctx"`
}

// wireReply is the JSON payload decoded from the bus response.
type wireReply struct {
	Ok     bool            `json:"ok"`
	Data   json.RawMessage `json:"data,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code      capctl.ErrorCode `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
}

// Core holds the dependencies of the terminal Transport Core stage.
type Core struct {
	Pool             *pool.Pool
	DefaultTimeoutMs int64
	IncludeTiming    bool
}

// New constructs a transport Core.
func New(p *pool.Pool, defaultTimeoutMs int64, includeTiming bool) *Core {
	return &Core{Pool: p, DefaultTimeoutMs: defaultTimeoutMs, IncludeTiming: includeTiming}
}

func nowUnixMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// Invoke sends env over its resolved subject/nats URL and decodes the
// reply. It is the pipeline's core Stage.
func (c *Core) Invoke(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
	startedAt := nowUnixMs()

	if env.Resolved == nil || env.Resolved.Subject == "" {
		return c.errorResult(capctl.ErrUnknownSubject, "envelope has no resolved subject", false, startedAt), nil
	}
	if env.Resolved.NatsURL == "" {
		return c.errorResult(capctl.ErrInternal, "envelope has no resolved nats url", false, startedAt), nil
	}

	conn, err := c.Pool.GetOrConnect(ctx, env.Resolved.NatsURL)
	if err != nil {
		return c.errorResult(capctl.ErrUpstreamError, "failed to acquire bus connection: "+err.Error(), true, startedAt), nil
	}

	payload, err := json.Marshal(wireRequest{
		Capability: env.Capability,
		Version:    env.Version,
		Method:     env.Method,
		Params:     env.Params,
		Ctx:        env.Ctx,
	})
	if err != nil {
		return c.errorResult(capctl.ErrInternal, "failed to serialize envelope: "+err.Error(), false, startedAt), nil
	}

	timeoutMs := env.Ctx.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = c.DefaultTimeoutMs
	}

	ctx, span := observability.Tracer("capctl/transport").Start(ctx, env.Capability+"."+env.Method)
	defer span.End()

	reply, err := conn.Request(ctx, env.Resolved.Subject, payload, time.Duration(timeoutMs)*time.Millisecond)
	endedAt := nowUnixMs()
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordInvocation(env.Capability, env.Method, status, endedAt-startedAt)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return c.errorResult(capctl.ErrTimeout, "request timed out", true, startedAt), nil
		}
		if ctx.Err() == context.Canceled {
			return c.errorResult(capctl.ErrCancelled, "request cancelled", false, startedAt), nil
		}
		return c.errorResult(capctl.ErrUpstreamError, "bus request failed: "+err.Error(), true, startedAt), nil
	}

	var decoded wireReply
	if err := json.Unmarshal(reply, &decoded); err != nil {
		return c.errorResult(capctl.ErrInternal, "reply is not valid JSON", false, startedAt), nil
	}

	meta := c.buildMeta(startedAt, endedAt)

	if !decoded.Ok {
		code := capctl.ErrInternal
		message := "unknown server error"
		var details map[string]any
		retryable := false
		if decoded.Error != nil {
			if decoded.Error.Code != "" {
				code = decoded.Error.Code
			}
			if decoded.Error.Message != "" {
				message = decoded.Error.Message
			}
			retryable = decoded.Error.Retryable
			details = decoded.Error.Details
		}
		return &capctl.Result{
			Ok:    false,
			Error: &capctl.ResultError{Code: code, Message: message, Retryable: retryable, Details: details},
			Meta:  meta,
		}, nil
	}

	data := decoded.Data
	if len(data) == 0 {
		data = decoded.Result
	}
	if len(data) == 0 {
		data = reply
	}

	return &capctl.Result{Ok: true, Data: data, Meta: meta}, nil
}

func (c *Core) buildMeta(startedAt, endedAt int64) capctl.ResultMeta {
	duration := int64(0)
	if c.IncludeTiming {
		duration = endedAt - startedAt
	}
	return capctl.ResultMeta{StartedAtUnixMs: startedAt, EndedAtUnixMs: endedAt, DurationMs: duration}
}

func (c *Core) errorResult(code capctl.ErrorCode, message string, retryable bool, startedAt int64) *capctl.Result {
	endedAt := nowUnixMs()
	return &capctl.Result{
		Ok:    false,
		Error: &capctl.ResultError{Code: code, Message: message, Retryable: retryable},
		Meta:  c.buildMeta(startedAt, endedAt),
	}
}
