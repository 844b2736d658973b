// Package config provides SDK-wide configuration: timeouts, cache TTLs,
// pool sizing, and feature toggles. Bus URLs and credentials are
// supplied separately by the facade's own options, not here.
package config

import "sync"

// SDKConfig holds tunables shared across the resolution client, pool,
// pipeline, and transport core.
type SDKConfig struct {
	// Resolution cache
	ResolutionDefaultTTLMs  int  `json:"resolution_default_ttl_ms"`
	ResolutionNegativeTTLMs int  `json:"resolution_negative_ttl_ms"`
	ResolutionStaleWindowMs int  `json:"resolution_stale_window_ms"`
	ResolutionMaxEntries    int  `json:"resolution_max_entries"`
	IncludeTenantInKey      bool `json:"include_tenant_in_key"`
	IncludeEnvInKey         bool `json:"include_env_in_key"`

	// Discovery cache (its own instance, same shape)
	DiscoveryDefaultTTLMs int `json:"discovery_default_ttl_ms"`
	DiscoveryMaxEntries   int `json:"discovery_max_entries"`

	// Connection pool
	MaxConnections    int `json:"max_connections"`
	IdleTimeoutMs     int `json:"idle_timeout_ms"`
	ReapIntervalMs    int `json:"reap_interval_ms"`

	// Transport
	DefaultTimeoutMs int  `json:"default_timeout_ms"`
	IncludeTiming    bool `json:"include_timing"`

	// Registry
	RegistryCapability string `json:"registry_capability"`

	// DefaultTenantID backfills InvocationContext.TenantID when a caller
	// omits it (spec §4.7's EnrichContext step).
	DefaultTenantID string `json:"default_tenant_id"`

	// Feature toggles
	EnablePolicyMiddleware     bool `json:"enable_policy_middleware"`
	EnableValidationMiddleware bool `json:"enable_validation_middleware"`
	EnableTelemetryMiddleware  bool `json:"enable_telemetry_middleware"`

	LogLevel string `json:"log_level"`
}

// Default returns an SDKConfig populated with the SDK's defaults.
func Default() *SDKConfig {
	return &SDKConfig{
		ResolutionDefaultTTLMs:  30_000,
		ResolutionNegativeTTLMs: 5_000,
		ResolutionStaleWindowMs: 60_000,
		ResolutionMaxEntries:    10_000,
		IncludeTenantInKey:      false,
		IncludeEnvInKey:         false,

		DiscoveryDefaultTTLMs: 30_000,
		DiscoveryMaxEntries:   10_000,

		MaxConnections: 10,
		IdleTimeoutMs:  5 * 60_000,
		ReapIntervalMs: 60_000,

		DefaultTimeoutMs: 10_000,
		IncludeTiming:    true,

		RegistryCapability: "system.registry",
		DefaultTenantID:    "default",

		EnablePolicyMiddleware:     true,
		EnableValidationMiddleware: true,
		EnableTelemetryMiddleware:  true,

		LogLevel: "INFO",
	}
}

// FromMap overlays values from m onto a Default config. Unknown keys are
// ignored; JSON-decoded numerics (float64) are accepted alongside int.
func FromMap(m map[string]any) *SDKConfig {
	c := Default()

	asInt := func(key string, dst *int) {
		if v, ok := m[key].(int); ok {
			*dst = v
		} else if v, ok := m[key].(float64); ok {
			*dst = int(v)
		}
	}
	asBool := func(key string, dst *bool) {
		if v, ok := m[key].(bool); ok {
			*dst = v
		}
	}
	asString := func(key string, dst *string) {
		if v, ok := m[key].(string); ok {
			*dst = v
		}
	}

	asInt("resolution_default_ttl_ms", &c.ResolutionDefaultTTLMs)
	asInt("resolution_negative_ttl_ms", &c.ResolutionNegativeTTLMs)
	asInt("resolution_stale_window_ms", &c.ResolutionStaleWindowMs)
	asInt("resolution_max_entries", &c.ResolutionMaxEntries)
	asBool("include_tenant_in_key", &c.IncludeTenantInKey)
	asBool("include_env_in_key", &c.IncludeEnvInKey)

	asInt("discovery_default_ttl_ms", &c.DiscoveryDefaultTTLMs)
	asInt("discovery_max_entries", &c.DiscoveryMaxEntries)

	asInt("max_connections", &c.MaxConnections)
	asInt("idle_timeout_ms", &c.IdleTimeoutMs)
	asInt("reap_interval_ms", &c.ReapIntervalMs)

	asInt("default_timeout_ms", &c.DefaultTimeoutMs)
	asBool("include_timing", &c.IncludeTiming)

	asString("registry_capability", &c.RegistryCapability)
	asString("default_tenant_id", &c.DefaultTenantID)

	asBool("enable_policy_middleware", &c.EnablePolicyMiddleware)
	asBool("enable_validation_middleware", &c.EnableValidationMiddleware)
	asBool("enable_telemetry_middleware", &c.EnableTelemetryMiddleware)

	asString("log_level", &c.LogLevel)

	return c
}

var (
	global   *SDKConfig
	globalMu sync.RWMutex
)

// Get returns the process-wide configuration, defaulting if none was set.
func Get() *SDKConfig {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return Default()
	}
	return global
}

// Set installs cfg as the process-wide configuration.
func Set(cfg *SDKConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = cfg
}

// Reset clears the process-wide configuration back to unset (Get will
// return defaults again). Intended for test isolation.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
