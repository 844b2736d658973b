// Package rescache builds cache keys for capability resolution, layering
// context-aware scoping (tenant, environment) on top of a canonical
// identity or a raw-capability fallback.
package rescache

import "strings"

// KeyOptions controls which optional parts buildKey includes.
type KeyOptions struct {
	IncludeTenantInKey bool
	IncludeEnvInKey    bool
}

// BuildKey is a pure function of its arguments: identical arguments always
// produce an identical key, and differing tenant/env values only change
// the key when the corresponding Include flag is true.
//
// If canonicalIdentity is non-empty it anchors the key:
//
//	canonicalIdentity[|t:<tenantID>][|e:<env>]
//
// Otherwise the fallback form is used:
//
//	<cap>[|v:<version>][|t:<tenantID>][|e:<env>]
func BuildKey(canonicalIdentity, cap, version, tenantID, env string, opts KeyOptions) string {
	var b strings.Builder
	if canonicalIdentity != "" {
		b.WriteString(canonicalIdentity)
	} else {
		b.WriteString(cap)
		if version != "" {
			b.WriteString("|v:")
			b.WriteString(version)
		}
	}
	if opts.IncludeTenantInKey && tenantID != "" {
		b.WriteString("|t:")
		b.WriteString(tenantID)
	}
	if opts.IncludeEnvInKey && env != "" {
		b.WriteString("|e:")
		b.WriteString(env)
	}
	return b.String()
}
