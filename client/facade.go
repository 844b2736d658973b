// Package client is the Client Facade: the single entry point an
// application imports to invoke capabilities. It owns every other
// component's lifecycle (bus connection, pool, caches, subscriber,
// pipeline) and exposes Invoke/InvokeSubject/Resolve/Discover/Close.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/internal/config"
	"github.com/jeeves-cluster-organization/capctl/internal/invalidation"
	"github.com/jeeves-cluster-organization/capctl/internal/pipeline"
	"github.com/jeeves-cluster-organization/capctl/internal/pool"
	"github.com/jeeves-cluster-organization/capctl/internal/rescache"
	"github.com/jeeves-cluster-organization/capctl/internal/resolution"
	"github.com/jeeves-cluster-organization/capctl/internal/transport"
	"github.com/jeeves-cluster-organization/capctl/internal/ttlcache"
	"github.com/jeeves-cluster-organization/capctl/internal/validation"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// Logger is the structured logging interface threaded through every
// owned component.
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

// Options configures a Client at construction time.
type Options struct {
	// DefaultConn is a pre-established default bus connection. When nil,
	// DefaultBusURL/BusAuth are used to dial one, and the client owns it
	// (closing it on Close).
	DefaultConn   bus.Bus
	DefaultBusURL string
	BusAuth       bus.NATSAuth

	Config *config.SDKConfig

	AuthProvider  pool.AuthProvider
	TokenProvider pool.TokenProvider
	Connector     pool.Connector

	Validator validation.SchemaValidator

	// PolicyPEPs are evaluated pre-transport; PostPolicyPEPs after.
	PolicyPEPs     []pipeline.BoundPEP
	PostPolicyPEPs []pipeline.BoundPEP

	// ExtraMiddleware is inserted between resolve and deadline, allowing
	// callers to add their own cross-cutting stages without forking the
	// standard chain.
	ExtraMiddleware []pipeline.Middleware

	Telemetry pipeline.Telemetry

	Logger Logger

	// FallbackMappings seeds the resolution client's fallback table
	// (capability -> subject) for the degraded-registry path.
	FallbackMappings map[string]string
}

// Client is the Client Facade from spec §4.9.
type Client struct {
	cfg Options
	log Logger

	defaultConn     bus.Bus
	ownsDefaultConn bool

	pool *pool.Pool

	resolutionCache *ttlcache.Cache[capctl.ResolveOutput]
	discoveryCache  *ttlcache.Cache[capctl.ResolveOutput]

	resolutionClient *resolution.Client
	discoveryClient  *resolution.Client

	subscriber *invalidation.Subscriber

	pipe      pipeline.Stage
	transport *transport.Core

	registryCapability string
	cfgResolved        *config.SDKConfig
}

// New performs the seven-step initialization protocol from spec §4.9 and
// returns a ready-to-use Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	c := &Client{cfg: opts, log: log, registryCapability: cfg.RegistryCapability, cfgResolved: cfg}

	// Step 1: connect to the default bus if not supplied.
	if opts.DefaultConn != nil {
		c.defaultConn = opts.DefaultConn
	} else {
		conn, err := bus.DialNATS(opts.DefaultBusURL, opts.BusAuth)
		if err != nil {
			return nil, capctl.NewCapabilityError(capctl.ErrUpstreamError, "failed to connect to default bus", true).WithCause(err)
		}
		c.defaultConn = conn
		c.ownsDefaultConn = true
	}

	// Step 2: create the resolution cache.
	keyOpts := rescache.KeyOptions{IncludeTenantInKey: cfg.IncludeTenantInKey, IncludeEnvInKey: cfg.IncludeEnvInKey}
	c.resolutionCache = ttlcache.New[capctl.ResolveOutput](ttlcache.Options{
		DefaultTTL:  time.Duration(cfg.ResolutionDefaultTTLMs) * time.Millisecond,
		NegativeTTL: time.Duration(cfg.ResolutionNegativeTTLMs) * time.Millisecond,
		StaleWindow: time.Duration(cfg.ResolutionStaleWindowMs) * time.Millisecond,
		MaxEntries:  cfg.ResolutionMaxEntries,
	})

	// Step 3: fetch bootstrap and seed the resolution cache with infinite TTL.
	if err := c.bootstrap(ctx, keyOpts); err != nil {
		return nil, err
	}

	// Step 4: build the connection pool.
	c.pool = pool.New(pool.Config{
		DefaultURL:     opts.DefaultBusURL,
		DefaultConn:    c.defaultConn,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		ReapInterval:   time.Duration(cfg.ReapIntervalMs) * time.Millisecond,
		AuthProvider:   opts.AuthProvider,
		TokenProvider:  opts.TokenProvider,
		Connector:      opts.Connector,
		Logger:         log,
	})

	// Step 6: construct the resolution client (sharing the cache) and a
	// discovery client with its own cache.
	c.resolutionClient = resolution.New(resolution.Config{
		Resolver:         c.remoteResolve,
		Cache:            c.resolutionCache,
		DefaultBusURL:    opts.DefaultBusURL,
		FallbackMappings: opts.FallbackMappings,
		KeyOptions:       keyOpts,
		Logger:           log,
	})

	c.discoveryCache = ttlcache.New[capctl.ResolveOutput](ttlcache.Options{
		DefaultTTL: time.Duration(cfg.DiscoveryDefaultTTLMs) * time.Millisecond,
		MaxEntries: cfg.DiscoveryMaxEntries,
	})
	c.discoveryClient = resolution.New(resolution.Config{
		Resolver:      c.remoteDiscover,
		Cache:         c.discoveryCache,
		DefaultBusURL: opts.DefaultBusURL,
		KeyOptions:    keyOpts,
		Logger:        log,
	})

	// Step 7: start the invalidation subscriber.
	c.subscriber = invalidation.New(c.defaultConn, "registry.changed", log)
	c.subscriber.OnChange(func(event capctl.RegistryChangedEvent) {
		c.resolutionClient.InvalidateCapability(event.App, event.Capability)
		c.discoveryCache.InvalidateMatching(func(string) bool { return true })
	})
	if err := c.subscriber.Start(ctx); err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrUpstreamError, "failed to start invalidation subscriber", true).WithCause(err)
	}

	// Step 8: build the pipeline around the transport core.
	c.transport = transport.New(c.pool, int64(cfg.DefaultTimeoutMs), cfg.IncludeTiming)

	validator := opts.Validator
	if validator == nil {
		validator = validation.NoopValidator{}
	}

	middlewares := []pipeline.Middleware{
		pipeline.EnrichContext(cfg.DefaultTenantID, opts.TokenProvider),
		pipeline.Resolve(c.resolutionClient),
	}
	middlewares = append(middlewares, opts.ExtraMiddleware...)
	if cfg.EnablePolicyMiddleware && (len(opts.PolicyPEPs) > 0 || len(opts.PostPolicyPEPs) > 0) {
		middlewares = append(middlewares, pipeline.Policy(opts.PolicyPEPs, opts.PostPolicyPEPs))
	}
	if cfg.EnableValidationMiddleware {
		middlewares = append(middlewares, pipeline.Validate(validator))
	}
	if cfg.EnableTelemetryMiddleware {
		middlewares = append(middlewares, pipeline.TelemetryMiddleware(opts.Telemetry))
	}
	middlewares = append(middlewares, pipeline.Deadline(), pipeline.Recovery(log))

	c.pipe = pipeline.BuildPipeline(middlewares, c.transport.Invoke)

	return c, nil
}

func (c *Client) bootstrap(ctx context.Context, keyOpts rescache.KeyOptions) error {
	reply, err := c.defaultConn.Request(ctx, "system.registry.bootstrap", []byte("{}"), 10*time.Second)
	if err != nil {
		return capctl.NewCapabilityError(capctl.ErrRegistryUnavailable, "bootstrap request failed", true).WithCause(err)
	}

	var out capctl.BootstrapReply
	if err := json.Unmarshal(reply, &out); err != nil {
		return capctl.NewCapabilityError(capctl.ErrInternal, "bootstrap reply is not valid JSON", false).WithCause(err)
	}
	if len(out.Capabilities) == 0 {
		return capctl.NewCapabilityError(capctl.ErrRegistryUnavailable, "bootstrap reply contained zero capability entries", false)
	}

	for capRef, entry := range out.Capabilities {
		natsURL := entry.NatsURL
		if natsURL == "" {
			natsURL = c.cfg.DefaultBusURL
		}
		key := rescache.BuildKey("", capRef, "", "", "", keyOpts)
		c.resolutionCache.Set(key, capctl.ResolveOutput{
			CanonicalIdentity: entry.CanonicalIdentity,
			NatsURL:           natsURL,
			Subject:           entry.Subject,
			Major:             entry.Major,
			ResolvedVersion:   entry.ResolvedVersion,
			Status:            entry.Status,
			Etag:              entry.Etag,
		}, -1, entry.Etag)
	}
	return nil
}

// remoteCall issues a RegistryRequest/RegistryResponse round trip against
// the registry capability, per spec §4.9 step 5.
func (c *Client) remoteCall(ctx context.Context, method string, params any, ictx capctl.InvocationContext) (json.RawMessage, error) {
	out, err := c.resolutionClient.Resolve(ctx, capctl.ResolveInput{Cap: c.registryCapability, Ctx: ictx})
	if err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "failed to serialize registry params", false).WithCause(err)
	}

	req := capctl.RegistryRequest{ID: uuid.NewString(), Type: "invoke", Cap: c.registryCapability, Method: method, Params: rawParams, Ctx: &ictx}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "failed to serialize registry request", false).WithCause(err)
	}

	conn, err := c.pool.GetOrConnect(ctx, out.NatsURL)
	if err != nil {
		return nil, err
	}

	reply, err := conn.Request(ctx, out.Subject, payload, time.Duration(c.cfgResolved.DefaultTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrUpstreamError, "registry request failed", true).WithCause(err)
	}

	var resp capctl.RegistryResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "registry reply is not valid JSON", false).WithCause(err)
	}
	if !resp.Ok {
		if resp.Error != nil {
			return nil, capctl.NewCapabilityError(resp.Error.Code, resp.Error.Message, resp.Error.Retryable).WithDetails(resp.Error.Details)
		}
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "registry returned an unspecified error", false)
	}
	return resp.Result, nil
}

func (c *Client) remoteResolve(ctx context.Context, cap, version string, ictx capctl.InvocationContext) (capctl.ResolveOutput, error) {
	result, err := c.remoteCall(ctx, "resolve", map[string]any{"cap": cap, "version": version}, ictx)
	if err != nil {
		return capctl.ResolveOutput{}, err
	}
	var out capctl.ResolveOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return capctl.ResolveOutput{}, capctl.NewCapabilityError(capctl.ErrInternal, "resolve result is not valid JSON", false).WithCause(err)
	}
	return out, nil
}

func (c *Client) remoteDiscover(ctx context.Context, cap, version string, ictx capctl.InvocationContext) (capctl.ResolveOutput, error) {
	result, err := c.remoteCall(ctx, "discover", map[string]any{"cap": cap, "version": version}, ictx)
	if err != nil {
		return capctl.ResolveOutput{}, err
	}
	var out capctl.ResolveOutput
	if err := json.Unmarshal(result, &out); err != nil {
		return capctl.ResolveOutput{}, capctl.NewCapabilityError(capctl.ErrInternal, "discover result is not valid JSON", false).WithCause(err)
	}
	return out, nil
}

// Invoke constructs an Envelope for capability/method/params and runs it
// through the pipeline. A nil ctx gets a zero-value InvocationContext,
// enriched by the pipeline's EnrichContext middleware.
func (c *Client) Invoke(ctx context.Context, capability, method string, params any, ictx *capctl.InvocationContext) (*capctl.Result, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	env := &capctl.Envelope{Capability: capability, Method: method, Params: rawParams}
	if ictx != nil {
		env.Ctx = *ictx
	}
	return c.pipe(ctx, env)
}

// InvokeSubject is Invoke with Resolved pre-populated, bypassing the
// resolve middleware entirely.
func (c *Client) InvokeSubject(ctx context.Context, resolved capctl.Resolved, method string, params any, ictx *capctl.InvocationContext) (*capctl.Result, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	env := &capctl.Envelope{Capability: resolved.Subject, Method: method, Params: rawParams, Resolved: &resolved}
	if ictx != nil {
		env.Ctx = *ictx
	}
	return c.pipe(ctx, env)
}

// Resolve exposes the resolution client directly for callers that need
// routing metadata without invoking.
func (c *Client) Resolve(ctx context.Context, in capctl.ResolveInput) (capctl.ResolveOutput, error) {
	return c.resolutionClient.Resolve(ctx, in)
}

// Discover exposes the discovery client directly.
func (c *Client) Discover(ctx context.Context, in capctl.ResolveInput) (capctl.ResolveOutput, error) {
	return c.discoveryClient.Resolve(ctx, in)
}

// Close stops the invalidation subscriber, closes every pooled
// connection, and closes the default bus connection iff this Client
// dialed it itself.
func (c *Client) Close(ctx context.Context) error {
	if c.subscriber != nil {
		_ = c.subscriber.Stop()
	}
	if c.pool != nil {
		c.pool.CloseAll(ctx)
	}
	if c.ownsDefaultConn && c.defaultConn != nil {
		return c.defaultConn.Close()
	}
	return nil
}
