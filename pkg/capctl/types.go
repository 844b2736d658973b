// Package capctl defines the wire-level and public data model for the
// capability invocation SDK: envelopes, invocation context, resolved
// capabilities, results, and the registry/bootstrap protocol types shared
// by the client and worker.
package capctl

import "encoding/json"

// Envelope is the unit of request sent to a capability's subject.
//
// Invariant: by the time an Envelope reaches the transport core,
// Resolved.Subject and Resolved.NatsURL are both non-empty.
type Envelope struct {
	Capability string          `json:"capability"`
	Version    string          `json:"version,omitempty"`
	Resolved   *Resolved       `json:"resolved,omitempty"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Ctx        InvocationContext `json:"ctx"`
}

// InvocationContext carries routing, authorization, and deadline metadata
// alongside a capability invocation.
type InvocationContext struct {
	TenantID       string            `json:"tenantId"`
	RequestID      string            `json:"requestId"`
	Principal      string            `json:"principal,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	Roles          []string          `json:"roles,omitempty"`
	Features       []string          `json:"features,omitempty"`
	Channels       []string          `json:"channels,omitempty"`
	Trace          string            `json:"trace,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	DeadlineUnixMs int64             `json:"deadlineUnixMs,omitempty"`
	TimeoutMs      int64             `json:"timeoutMs,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	AccessToken    string            `json:"accessToken,omitempty"`
	Obligations    map[string]any    `json:"obligations,omitempty"`
	Meta           map[string]any    `json:"meta,omitempty"`
}

// Resolved is the output of capability resolution: where to send the
// request and which concrete version serves it.
type Resolved struct {
	NatsURL      string `json:"natsUrl"`
	Subject      string `json:"subject"`
	Version      string `json:"version"`
	SchemaHash   string `json:"schemaHash,omitempty"`
	PolicyHash   string `json:"policyHash,omitempty"`
	ArtifactHash string `json:"artifactHash,omitempty"`
}

// ResultMeta accompanies every Result, ok or err.
type ResultMeta struct {
	StartedAtUnixMs int64          `json:"startedAt"`
	EndedAtUnixMs   int64          `json:"endedAt"`
	DurationMs      int64          `json:"durationMs"`
	PolicyDecisionID string        `json:"policyDecisionId,omitempty"`
	PolicyReasons    []string      `json:"policyReasons,omitempty"`
	Usage            map[string]any `json:"usage,omitempty"`
	ExecutionID      string        `json:"executionId,omitempty"`
}

// ResultError is the structured shape of a failed Result.
type ResultError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Result is the tagged-sum outcome of an invocation: exactly one of Data
// (when Ok) or Error (when !Ok) is populated.
type Result struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ResultError    `json:"error,omitempty"`
	Meta  ResultMeta      `json:"meta"`
}

// BootstrapEntry is one capability's seed mapping, as returned by
// system.registry.bootstrap.
type BootstrapEntry struct {
	CanonicalIdentity string `json:"canonicalIdentity"`
	Subject           string `json:"subject"`
	NatsURL           string `json:"natsUrl,omitempty"`
	Major             int    `json:"major,omitempty"`
	ResolvedVersion   string `json:"resolvedVersion,omitempty"`
	Status            string `json:"status,omitempty"`
	TTLSeconds        int64  `json:"ttlSeconds,omitempty"`
	Etag              string `json:"etag,omitempty"`
	Methods           []string `json:"methods,omitempty"`
}

// BootstrapReply is the reply payload for system.registry.bootstrap.
type BootstrapReply struct {
	Capabilities        map[string]BootstrapEntry `json:"capabilities"`
	Aliases             map[string]string         `json:"aliases,omitempty"`
	ChangeEventSubjects []string                  `json:"changeEventSubjects,omitempty"`
}

// RegistryRequest is the envelope sent to the registry's own capability.
type RegistryRequest struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Cap    string            `json:"cap"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params,omitempty"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// RegistryResponse is the reply from the registry capability.
type RegistryResponse struct {
	ID     string          `json:"id"`
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResultError    `json:"error,omitempty"`
}

// RegistryChangedEvent is published on registry.changed[.scope] whenever a
// capability's routing metadata changes.
type RegistryChangedEvent struct {
	App              string   `json:"app"`
	Capability       string   `json:"capability"`
	ChangedFields    []string `json:"changedFields,omitempty"`
	NewDefaultMajor  *int     `json:"newDefaultMajor,omitempty"`
	AffectedMajors   []int    `json:"affectedMajors,omitempty"`
	Revision         int64    `json:"revision"`
	Etag             string   `json:"etag"`
	TimestampUnixMs  int64    `json:"timestamp"`
	Env              string   `json:"env,omitempty"`
}

// ResolveInput is what a caller provides to ask for a capability to be
// resolved: a bare capability name/reference, optional explicit version,
// and the invocation context it will be routed for.
type ResolveInput struct {
	Cap     string
	Version string
	Ctx     InvocationContext
}

// ResolveOutput is what resolution produces: everything needed to route
// and label an invocation, plus cache bookkeeping (Etag, TTL).
type ResolveOutput struct {
	CanonicalIdentity string
	NatsURL           string
	Subject           string
	Major             int
	ResolvedVersion   string
	Status            string
	TTLSeconds        int64
	Etag              string
	SchemaHash        string
	PolicyHash        string
	ArtifactHash      string
}
