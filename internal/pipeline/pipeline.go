// Package pipeline composes the middleware chain that carries an
// Envelope from the client facade down to the transport core: context
// enrichment, resolution, deadline derivation, policy evaluation,
// schema validation, and telemetry, each as a Middleware wrapping a
// Stage.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/capctl/internal/background"
	"github.com/jeeves-cluster-organization/capctl/internal/policy"
	"github.com/jeeves-cluster-organization/capctl/internal/pool"
	"github.com/jeeves-cluster-organization/capctl/internal/validation"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// Stage processes an envelope and produces a result. The context carries
// cancellation derived from the caller's signal composed with any
// deadline middleware installs.
type Stage func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error)

// Middleware wraps a Stage into a new Stage of the same shape.
type Middleware func(next Stage) Stage

// BuildPipeline composes middlewares around core by right-fold, so that
// middlewares[0] is outermost: it runs first on entry and last on return.
func BuildPipeline(middlewares []Middleware, core Stage) Stage {
	stage := core
	for i := len(middlewares) - 1; i >= 0; i-- {
		stage = middlewares[i](stage)
	}
	return stage
}

func nowUnixMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func errorResult(code capctl.ErrorCode, message string, retryable bool, startedAt int64) *capctl.Result {
	endedAt := nowUnixMs()
	return &capctl.Result{
		Ok: false,
		Error: &capctl.ResultError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
		Meta: capctl.ResultMeta{StartedAtUnixMs: startedAt, EndedAtUnixMs: endedAt, DurationMs: endedAt - startedAt},
	}
}

// EnrichContext fills requestId (random UUID when absent), tenantId (from
// defaultTenantID when absent), and the access token (via tokenProvider
// when configured and not already set).
func EnrichContext(defaultTenantID string, tokenProvider pool.TokenProvider) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			if env.Ctx.RequestID == "" {
				env.Ctx.RequestID = uuid.NewString()
			}
			if env.Ctx.TenantID == "" {
				env.Ctx.TenantID = defaultTenantID
			}
			if env.Ctx.AccessToken == "" && tokenProvider != nil {
				token, err := tokenProvider(ctx)
				if err != nil {
					return errorResult(capctl.ErrAuthFailed, "failed to obtain access token: "+err.Error(), true, nowUnixMs()), nil
				}
				env.Ctx.AccessToken = token
			}
			return next(ctx, env)
		}
	}
}

// Resolver is the narrow capability the resolve middleware depends on;
// internal/resolution.Client satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, in capctl.ResolveInput) (capctl.ResolveOutput, error)
}

// Resolve leaves env.Resolved untouched when both Subject and NatsURL are
// already populated (the invokeSubject bypass), otherwise consults the
// resolution client.
func Resolve(resolver Resolver) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			if env.Resolved != nil && env.Resolved.Subject != "" && env.Resolved.NatsURL != "" {
				return next(ctx, env)
			}
			out, err := resolver.Resolve(ctx, capctl.ResolveInput{Cap: env.Capability, Version: env.Version, Ctx: env.Ctx})
			if err != nil {
				capErr := capctl.AsCapabilityError(err)
				return errorResult(capErr.Code, capErr.Message, capErr.Retryable, nowUnixMs()), nil
			}
			env.Resolved = &capctl.Resolved{
				NatsURL:      out.NatsURL,
				Subject:      out.Subject,
				Version:      out.ResolvedVersion,
				SchemaHash:   out.SchemaHash,
				PolicyHash:   out.PolicyHash,
				ArtifactHash: out.ArtifactHash,
			}
			return next(ctx, env)
		}
	}
}

// Deadline derives an effective cancellation from ctx.TimeoutMs or
// ctx.DeadlineUnixMs, failing TIMEOUT immediately if the deadline has
// already passed.
func Deadline() Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			startedAt := nowUnixMs()

			if env.Ctx.DeadlineUnixMs > 0 && env.Ctx.DeadlineUnixMs <= startedAt {
				return errorResult(capctl.ErrTimeout, "deadline already passed", false, startedAt), nil
			}

			var cancel context.CancelFunc
			switch {
			case env.Ctx.TimeoutMs > 0:
				ctx, cancel = context.WithTimeout(ctx, time.Duration(env.Ctx.TimeoutMs)*time.Millisecond)
				defer cancel()
			case env.Ctx.DeadlineUnixMs > 0:
				ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(env.Ctx.DeadlineUnixMs))
				defer cancel()
			}

			res, err := next(ctx, env)
			if err == nil && res != nil {
				return res, nil
			}
			if ctx.Err() == context.DeadlineExceeded {
				return errorResult(capctl.ErrTimeout, "invocation deadline exceeded", true, startedAt), nil
			}
			if ctx.Err() == context.Canceled {
				return errorResult(capctl.ErrCancelled, "invocation cancelled", false, startedAt), nil
			}
			return res, err
		}
	}
}

// Policy evaluates prePeps before next and postPeps after, denying if any
// evaluation denies, merging obligations into ctx.Obligations and
// recording the composed reasons under ctx.Meta["policyReasons"]. No
// decision id is recorded.
func Policy(prePeps, postPeps []BoundPEP) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			startedAt := nowUnixMs()

			if res, denied := evaluateAndApply(ctx, prePeps, env, startedAt); denied {
				return res, nil
			}

			res, err := next(ctx, env)
			if err != nil {
				return res, err
			}

			if postRes, denied := evaluateAndApply(ctx, postPeps, env, startedAt); denied {
				return postRes, nil
			}
			return res, nil
		}
	}
}

// BoundPEP pairs a policy binding with the PEP it is evaluated against.
type BoundPEP struct {
	Binding policy.Binding
	PEP     policy.PEP
}

func evaluateAndApply(ctx context.Context, bound []BoundPEP, env *capctl.Envelope, startedAt int64) (*capctl.Result, bool) {
	if len(bound) == 0 {
		return nil, false
	}

	decisions := make([]policy.Decision, 0, len(bound))
	for _, b := range bound {
		d, err := b.PEP.Evaluate(ctx, b.Binding, env.Capability, env.Method, env.Params, map[string]any{"tenantId": env.Ctx.TenantID})
		if err != nil {
			return errorResult(capctl.ErrPolicyEngineUnavailable, "policy evaluation failed: "+err.Error(), true, startedAt), true
		}
		decisions = append(decisions, d)
	}

	composed := policy.ComposeDecisions(decisions)
	if !composed.Allow {
		res := errorResult(capctl.ErrPolicyDenied, "denied by policy", false, startedAt)
		res.Error.Details = map[string]any{"reasons": composed.Reasons, "deny": composed.Deny}
		return res, true
	}

	if env.Ctx.Obligations == nil {
		env.Ctx.Obligations = make(map[string]any)
	}
	for _, o := range composed.Obligations {
		env.Ctx.Obligations[o] = true
	}
	if env.Ctx.Meta == nil {
		env.Ctx.Meta = make(map[string]any)
	}
	env.Ctx.Meta["policyReasons"] = composed.Reasons
	return nil, false
}

// Validate schema-checks params against the registered "params" schema
// before next, and the successful result's data against the registered
// "result" schema after next.
func Validate(validator validation.SchemaValidator) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			startedAt := nowUnixMs()

			var params any
			if len(env.Params) > 0 {
				if err := json.Unmarshal(env.Params, &params); err != nil {
					return errorResult(capctl.ErrValidation, "params is not valid JSON", false, startedAt), nil
				}
			}
			if err := validator.Validate(env.Capability, env.Method, "params", params); err != nil {
				return errorResult(capctl.ErrSchemaValidationFailed, "params failed schema validation: "+err.Error(), false, startedAt), nil
			}

			res, err := next(ctx, env)
			if err != nil || res == nil || !res.Ok {
				return res, err
			}

			var data any
			if len(res.Data) > 0 {
				if jsonErr := json.Unmarshal(res.Data, &data); jsonErr != nil {
					return errorResult(capctl.ErrInternal, "result data is not valid JSON", false, res.Meta.StartedAtUnixMs), nil
				}
			}
			if err := validator.Validate(env.Capability, env.Method, "result", data); err != nil {
				return errorResult(capctl.ErrInternal, "result failed schema validation: "+err.Error(), false, res.Meta.StartedAtUnixMs), nil
			}
			return res, nil
		}
	}
}

// Telemetry opens a span and records the outcome. Tracer and Record are
// supplied by the caller so pipeline stays free of a hard dependency on
// any one tracing/metrics backend.
type Telemetry struct {
	StartSpan func(ctx context.Context, name string, attrs map[string]string) (context.Context, func())
	Record    func(capability, method string, ok bool, durationMs int64)
}

// TelemetryMiddleware wraps next in a named span and records the
// invocation counter/histogram on return.
func TelemetryMiddleware(t Telemetry) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (*capctl.Result, error) {
			spanName := env.Capability + "." + env.Method
			if t.StartSpan != nil {
				var end func()
				ctx, end = t.StartSpan(ctx, spanName, map[string]string{
					"capability": env.Capability,
					"version":    env.Version,
					"method":     env.Method,
					"tenant_id":  env.Ctx.TenantID,
					"request_id": env.Ctx.RequestID,
				})
				defer end()
			}

			res, err := next(ctx, env)

			if t.Record != nil {
				ok := err == nil && res != nil && res.Ok
				duration := int64(0)
				if res != nil {
					duration = res.Meta.DurationMs
				}
				t.Record(env.Capability, env.Method, ok, duration)
			}
			return res, err
		}
	}
}

// Recovery converts a panic anywhere inside next into an INTERNAL_ERROR
// result instead of crashing the invoking goroutine. Installed innermost,
// just outside the transport core.
func Recovery(logger background.Logger) Middleware {
	return func(next Stage) Stage {
		return func(ctx context.Context, env *capctl.Envelope) (res *capctl.Result, err error) {
			startedAt := nowUnixMs()
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.Error("pipeline stage panicked", "capability", env.Capability, "method", env.Method, "panic", r)
					}
					res = errorResult(capctl.ErrInternal, "internal error", false, startedAt)
					err = nil
				}
			}()
			return next(ctx, env)
		}
	}
}
