// Package identity parses, normalizes, and canonicalizes capability
// references of the form "app/cap[@ver]", "@alias/app/cap[@ver]", or
// "cap:@alias/app/cap@ver" into a stable canonical identity string.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	aliasRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	segRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)
	forbidden = []string{"#", "?", "\x00"}
)

// Parsed is the result of parsing a capability reference.
type Parsed struct {
	Alias   string
	App     string
	Cap     string
	Version string
	Raw     string
}

// ErrInvalidReference is returned for references that fail the grammar.
type ErrInvalidReference struct {
	Raw    string
	Reason string
}

func (e *ErrInvalidReference) Error() string {
	return fmt.Sprintf("invalid capability reference %q: %s", e.Raw, e.Reason)
}

func invalid(raw, reason string) error {
	return &ErrInvalidReference{Raw: raw, Reason: reason}
}

// ParseReference parses a capability reference string.
func ParseReference(s string) (*Parsed, error) {
	raw := s
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, invalid(raw, "empty reference")
	}
	for _, f := range forbidden {
		if strings.Contains(trimmed, f) {
			return nil, invalid(raw, "contains forbidden character")
		}
	}
	if strings.ContainsAny(trimmed, " \t\n\r") {
		return nil, invalid(raw, "contains whitespace")
	}

	rest := strings.TrimPrefix(trimmed, "cap:")

	alias := ""
	if strings.HasPrefix(rest, "@") {
		withoutAt := rest[1:]
		slash := strings.IndexByte(withoutAt, '/')
		if slash < 0 {
			return nil, invalid(raw, "alias segment missing trailing app/cap")
		}
		alias = withoutAt[:slash]
		rest = withoutAt[slash+1:]
		if !aliasRe.MatchString(alias) {
			return nil, invalid(raw, "invalid alias segment")
		}
	}

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return nil, invalid(raw, "missing app/cap separator")
	}
	app := rest[:slash]
	capAndVersion := rest[slash+1:]
	if app == "" || capAndVersion == "" {
		return nil, invalid(raw, "empty app or capability segment")
	}

	capName := capAndVersion
	version := ""
	if at := strings.LastIndexByte(capAndVersion, '@'); at >= 0 {
		capName = capAndVersion[:at]
		version = capAndVersion[at+1:]
		if version == "" {
			return nil, invalid(raw, "empty version after '@'")
		}
	}

	if !segRe.MatchString(app) {
		return nil, invalid(raw, "invalid app segment")
	}
	if !segRe.MatchString(capName) {
		return nil, invalid(raw, "invalid capability segment")
	}
	if version != "" {
		if _, err := NormalizeVersion(version); err != nil {
			return nil, invalid(raw, "invalid version: "+err.Error())
		}
	}

	return &Parsed{Alias: alias, App: app, Cap: capName, Version: version, Raw: raw}, nil
}

// NormalizeVersion normalizes a version string to full SemVer
// (MAJOR.MINOR.PATCH[-prerelease][+build]).
//
//	v1      -> 1.0.0
//	1       -> 1.0.0
//	1.2     -> 1.2.0
//	1.2.3   -> 1.2.3
func NormalizeVersion(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return "", fmt.Errorf("empty version")
	}

	core := s
	suffix := ""
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core = s[:i]
		suffix = s[i:]
	}

	parts := strings.Split(core, ".")
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("malformed version %q", s)
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("non-numeric version segment %q", p)
		}
	}

	switch len(parts) {
	case 1:
		core = parts[0] + ".0.0"
	case 2:
		core = parts[0] + "." + parts[1] + ".0"
	case 3:
		core = parts[0] + "." + parts[1] + "." + parts[2]
	default:
		return "", fmt.Errorf("too many version segments in %q", s)
	}

	normalized := core + suffix
	if _, err := semver.StrictNewVersion(normalized); err != nil {
		return "", fmt.Errorf("not a valid semver %q: %w", normalized, err)
	}
	return normalized, nil
}

// CanonicalizeOptions configures Canonicalize.
type CanonicalizeOptions struct {
	DefaultAlias    string
	ResolvedVersion string
}

// Canonicalize builds the canonical identity string
// "cap:@<alias>/<app>/<cap>@<normalizedVersion>" from a Parsed reference.
// The version comes from the parsed reference when present, else from
// opts.ResolvedVersion; it is an error for neither to be available.
func Canonicalize(p *Parsed, opts CanonicalizeOptions) (string, error) {
	alias := p.Alias
	if alias == "" {
		alias = opts.DefaultAlias
	}
	if alias == "" {
		alias = "main"
	}

	version := p.Version
	if version == "" {
		version = opts.ResolvedVersion
	}
	if version == "" {
		return "", fmt.Errorf("cannot canonicalize %q: no version available", p.Raw)
	}
	normalized, err := NormalizeVersion(version)
	if err != nil {
		return "", fmt.Errorf("cannot canonicalize %q: %w", p.Raw, err)
	}

	return fmt.Sprintf("cap:@%s/%s/%s@%s", strings.ToLower(alias), p.App, p.Cap, normalized), nil
}
