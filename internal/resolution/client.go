// Package resolution implements the Resolution Client: registry
// resolve/discover/describe calls layered with TTL caching, in-flight
// dedup, fallback synthesis, and stale-while-revalidate background
// refresh.
package resolution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/capctl/internal/background"
	"github.com/jeeves-cluster-organization/capctl/internal/dedup"
	"github.com/jeeves-cluster-organization/capctl/internal/rescache"
	"github.com/jeeves-cluster-organization/capctl/internal/ttlcache"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// RemoteResolver performs the actual registry "resolve" RPC. The facade
// supplies this, wiring it to remoteCall over the registry capability.
type RemoteResolver func(ctx context.Context, cap, version string, ictx capctl.InvocationContext) (capctl.ResolveOutput, error)

// Logger is the structured logging interface used for revalidation and
// fallback diagnostics.
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

// Config configures a Client.
type Config struct {
	Resolver          RemoteResolver
	Cache             *ttlcache.Cache[capctl.ResolveOutput]
	DefaultBusURL     string
	FallbackMappings  map[string]string
	KeyOptions        rescache.KeyOptions
	Logger            Logger
}

// Client is the Resolution Client from spec §4.4.
type Client struct {
	cfg   Config
	dedup *dedup.Group
	log   Logger
}

// New creates a resolution Client.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}
	return &Client{cfg: cfg, dedup: dedup.New(), log: log}
}

// Cache exposes the underlying TTL cache (e.g. so the facade can seed it
// from bootstrap, or the invalidation subscriber can purge it).
func (c *Client) Cache() *ttlcache.Cache[capctl.ResolveOutput] { return c.cfg.Cache }

// buildKey is safe against a non-string/absent env in Meta.
func (c *Client) buildKey(in capctl.ResolveInput) string {
	env, _ := in.Ctx.Meta["env"].(string)
	return rescache.BuildKey("", in.Cap, in.Version, in.Ctx.TenantID, env, c.cfg.KeyOptions)
}

// Resolve implements the protocol from spec §4.4: fresh cache hit wins;
// fresh-negative fails NOT_FOUND; stale hit returns immediately while a
// background revalidation runs; otherwise dedup+call the registry, with
// fallback synthesis on failure.
func (c *Client) Resolve(ctx context.Context, in capctl.ResolveInput) (capctl.ResolveOutput, error) {
	key := c.buildKey(in)

	if r := c.cfg.Cache.Get(key); r.Found {
		if r.IsNegative {
			return capctl.ResolveOutput{}, capctl.NewCapabilityError(capctl.ErrNotFound, fmt.Sprintf("capability %q not found (cached)", in.Cap), false)
		}
		if r.IsStale {
			c.scheduleRevalidation(key, in)
			return r.Value, nil
		}
		return r.Value, nil
	}

	out, err := dedup.GetOrCreate(c.dedup, key, func() (capctl.ResolveOutput, error) {
		return c.callRegistry(ctx, key, in)
	})
	return out, err
}

func (c *Client) callRegistry(ctx context.Context, key string, in capctl.ResolveInput) (capctl.ResolveOutput, error) {
	out, err := c.cfg.Resolver(ctx, in.Cap, in.Version, in.Ctx)
	if err == nil {
		ttl := time.Duration(out.TTLSeconds) * time.Second
		c.cfg.Cache.Set(key, out, ttl, out.Etag)
		return out, nil
	}

	if subject, ok := c.cfg.FallbackMappings[in.Cap]; ok {
		fb, fbErr := c.synthesizeFallback(in.Cap, subject)
		if fbErr == nil {
			c.log.Warn("resolution_fallback_used", "cap", in.Cap, "subject", subject, "cause", err.Error())
			c.cfg.Cache.Set(key, fb, 60*time.Second, fb.Etag)
			return fb, nil
		}
		c.log.Error("resolution_fallback_synthesis_failed", "cap", in.Cap, "error", fbErr.Error())
	}

	c.cfg.Cache.SetNegative(key)
	return capctl.ResolveOutput{}, err
}

func (c *Client) synthesizeFallback(cap, subject string) (capctl.ResolveOutput, error) {
	segments := strings.Split(subject, ".")
	if len(segments) == 0 {
		return capctl.ResolveOutput{}, fmt.Errorf("malformed fallback subject %q", subject)
	}
	majorSeg := strings.TrimPrefix(segments[len(segments)-1], "v")
	major, err := strconv.Atoi(majorSeg)
	if err != nil {
		return capctl.ResolveOutput{}, fmt.Errorf("cannot parse major from fallback subject %q: %w", subject, err)
	}

	return capctl.ResolveOutput{
		CanonicalIdentity: fmt.Sprintf("cap:@main/%s@%d.0.0", cap, major),
		NatsURL:           c.cfg.DefaultBusURL,
		Subject:           subject,
		Major:             major,
		ResolvedVersion:   fmt.Sprintf("%d.0.0", major),
		Status:            "fallback",
		TTLSeconds:        60,
		Etag:              "fallback",
	}, nil
}

// scheduleRevalidation fires a background registry call to refresh a
// stale cache entry. Failures are logged and discarded, never propagated,
// and never observed by the caller that triggered them.
func (c *Client) scheduleRevalidation(key string, in capctl.ResolveInput) {
	background.Go(c.log, "resolution.revalidate", func() error {
		_, err := dedup.GetOrCreate(c.dedup, key, func() (capctl.ResolveOutput, error) {
			return c.callRegistry(context.Background(), key, in)
		})
		return err
	})
}

// MultiOutcome is one entry of ResolveMultiple's result: either a
// ResolveOutput or the error encountered.
type MultiOutcome struct {
	Output capctl.ResolveOutput
	Err    error
}

// ResolveMultiple resolves every input in parallel, returning a
// cap-keyed map of either a ResolveOutput or the error encountered.
func (c *Client) ResolveMultiple(ctx context.Context, inputs []capctl.ResolveInput) map[string]MultiOutcome {
	type indexed struct {
		cap string
		out capctl.ResolveOutput
		err error
	}
	results := make(chan indexed, len(inputs))
	for _, in := range inputs {
		go func(in capctl.ResolveInput) {
			out, err := c.Resolve(ctx, in)
			results <- indexed{cap: in.Cap, out: out, err: err}
		}(in)
	}

	outcome := make(map[string]MultiOutcome, len(inputs))
	for range inputs {
		r := <-results
		outcome[r.cap] = MultiOutcome{Output: r.out, Err: r.err}
	}
	return outcome
}

// InvalidateCapability removes every cache entry whose key begins with
// "<app>.<name>". Per spec §4.4/§9 this is a known-imprecise substring
// match against raw cache keys; canonical-identity-keyed entries
// ("cap:@alias/app/cap@version") do not share this prefix and so are not
// matched by this call. See DESIGN.md for the open-question disposition.
func (c *Client) InvalidateCapability(app, name string) int {
	prefix := app + "." + name
	return c.cfg.Cache.InvalidateMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}
