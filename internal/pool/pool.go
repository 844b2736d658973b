// Package pool implements the multi-bus connection pool: lazily
// establishing authenticated connections to non-default buses, refreshing
// expiring credentials, and evicting LRU and idle entries.
package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/capctl/internal/background"
	"github.com/jeeves-cluster-organization/capctl/internal/bus"
	"github.com/jeeves-cluster-organization/capctl/pkg/capctl"
)

// credentialSkew is how long before Credentials.ExpiresAt a credential is
// already considered expired, per spec §3.
const credentialSkew = 30 * time.Second

// Credentials is a sum over {token | user+pass | jwt+nkeySeed} plus an
// optional expiry.
type Credentials struct {
	Token      string
	User       string
	Password   string
	JWT        string
	NKeySeed   string
	ExpiresAt  time.Time // zero means never expires
}

// Expired reports whether the credentials are expired as of now, applying
// the 30s skew from spec §3.
func (c Credentials) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-credentialSkew))
}

func (c Credentials) valid() bool {
	return c.Token != "" || c.User != "" || c.JWT != ""
}

// AuthRequest is passed to AuthProvider.
type AuthRequest struct {
	NatsURL     string
	AccessToken string
}

// AuthProvider exchanges an access token for bus credentials scoped to a
// sandbox server.
type AuthProvider func(ctx context.Context, req AuthRequest) (Credentials, error)

// TokenProvider supplies the access token passed to AuthProvider; when
// nil, a static token configured on the Pool is used instead.
type TokenProvider func(ctx context.Context) (string, error)

// Connector dials a bus server given its URL and resolved credentials.
type Connector func(ctx context.Context, natsURL string, creds Credentials) (bus.Bus, error)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Logger is the structured logging interface used by the pool.
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

type poolEntry struct {
	conn        bus.Bus
	creds       Credentials
	natsURL     string
	connectedAt time.Time
	lastUsedAt  time.Time
}

// Config configures a Pool.
type Config struct {
	DefaultURL      string
	DefaultConn     bus.Bus
	MaxConnections  int // total including the default; spec: maxConnections-1 remote slots
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	AuthProvider    AuthProvider
	TokenProvider   TokenProvider
	StaticToken     string
	Connector       Connector
	Logger          Logger
	Clock           Clock
}

// Pool owns the lifecycle of every non-default bus connection. The
// default connection is borrowed from the facade and is never closed by
// the pool.
type Pool struct {
	cfg   Config
	clock Clock
	log   Logger

	mu      sync.Mutex
	entries map[string]*poolEntry

	stopReap chan struct{}
	reapDone chan struct{}
	closeOnce sync.Once
}

// New creates a Pool and starts its idle-connection reaper.
func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 60 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}

	p := &Pool{
		cfg:      cfg,
		clock:    clock,
		log:      log,
		entries:  make(map[string]*poolEntry),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	background.Go(log, "pool.reaper", func() error {
		p.reapLoop()
		return nil
	})
	return p
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(url)), "/")
}

// GetOrConnect returns a bus connection for natsURL, connecting and
// authenticating lazily if necessary.
func (p *Pool) GetOrConnect(ctx context.Context, natsURL string) (bus.Bus, error) {
	norm := normalizeURL(natsURL)
	defaultNorm := normalizeURL(p.cfg.DefaultURL)

	if norm == defaultNorm {
		return p.cfg.DefaultConn, nil
	}

	p.mu.Lock()
	if e, ok := p.entries[norm]; ok {
		if !e.creds.Expired(p.clock.Now()) {
			e.lastUsedAt = p.clock.Now()
			p.mu.Unlock()
			return e.conn, nil
		}
		// Expired: drain and drop before reconnecting.
		delete(p.entries, norm)
		p.mu.Unlock()
		_ = e.conn.Drain(ctx)
		p.mu.Lock()
	}
	p.mu.Unlock()

	if p.cfg.AuthProvider == nil {
		return nil, capctl.NewCapabilityError(capctl.ErrAuthFailed, "no auth provider configured for sandbox bus", false)
	}

	p.mu.Lock()
	if len(p.entries) >= p.cfg.MaxConnections-1 {
		p.evictLRULocked(ctx)
	}
	p.mu.Unlock()

	token := p.cfg.StaticToken
	if p.cfg.TokenProvider != nil {
		t, err := p.cfg.TokenProvider(ctx)
		if err != nil {
			return nil, capctl.NewCapabilityError(capctl.ErrAuthFailed, "token provider failed", true).WithCause(err)
		}
		token = t
	}

	creds, err := p.cfg.AuthProvider(ctx, AuthRequest{NatsURL: natsURL, AccessToken: token})
	if err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrAuthFailed, "auth provider failed", true).WithCause(err)
	}
	if !creds.valid() {
		return nil, capctl.NewCapabilityError(capctl.ErrAuthFailed, "auth provider returned no usable credentials", false)
	}

	connector := p.cfg.Connector
	if connector == nil {
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "no connector configured for pool", false)
	}
	conn, err := connector(ctx, natsURL, creds)
	if err != nil {
		return nil, capctl.NewCapabilityError(capctl.ErrInternal, "failed to connect to sandbox bus", true).WithCause(err)
	}

	now := p.clock.Now()
	p.mu.Lock()
	p.entries[norm] = &poolEntry{conn: conn, creds: creds, natsURL: natsURL, connectedAt: now, lastUsedAt: now}
	p.mu.Unlock()

	p.log.Info("pool_connected", "natsUrl", natsURL)
	return conn, nil
}

// evictLRULocked drops the entry with the smallest lastUsedAt. Caller
// must hold p.mu; draining happens outside the lock to avoid blocking
// other callers on a slow drain.
func (p *Pool) evictLRULocked(ctx context.Context) {
	var lruKey string
	var lruEntry *poolEntry
	for k, e := range p.entries {
		if lruEntry == nil || e.lastUsedAt.Before(lruEntry.lastUsedAt) {
			lruKey, lruEntry = k, e
		}
	}
	if lruEntry == nil {
		return
	}
	delete(p.entries, lruKey)
	conn := lruEntry.conn
	go func() {
		if err := conn.Drain(ctx); err != nil {
			p.log.Warn("pool_evict_drain_failed", "error", err.Error())
		}
	}()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			close(p.reapDone)
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	now := p.clock.Now()
	var toDrain []bus.Bus

	p.mu.Lock()
	for k, e := range p.entries {
		if now.Sub(e.lastUsedAt) > p.cfg.IdleTimeout {
			toDrain = append(toDrain, e.conn)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for _, c := range toDrain {
		if err := c.Drain(context.Background()); err != nil {
			p.log.Warn("pool_idle_drain_failed", "error", err.Error())
		}
	}
}

// CloseAll cancels the reaper and drains every non-default entry. The
// default connection is left open; it is owned by the facade.
func (p *Pool) CloseAll(ctx context.Context) {
	p.closeOnce.Do(func() {
		close(p.stopReap)
		<-p.reapDone

		p.mu.Lock()
		entries := p.entries
		p.entries = make(map[string]*poolEntry)
		p.mu.Unlock()

		for url, e := range entries {
			if err := e.conn.Drain(ctx); err != nil {
				p.log.Warn("pool_close_drain_failed", "natsUrl", url, "error", err.Error())
			}
		}
	})
}

// Size returns the number of non-default entries currently pooled.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
