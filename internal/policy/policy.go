// Package policy implements the Policy Binding & Decision data model
// from spec §3 and the pure decision-composition rule: deny-if-any-
// denies, coordinate-wise-minimum limits, order-preserving concatenation
// of patches and obligations. Evaluating a binding against a live policy
// engine is an external collaborator; this package only models the data
// and the composition.
package policy

import "context"

// MatchType selects how a Binding matches a capability invocation.
type MatchType string

const (
	MatchCapabilityType MatchType = "capability_type"
	MatchTags           MatchType = "tags"
	MatchInstance        MatchType = "instance"
)

// Binding selects a PEP (Policy Enforcement Point) by match criteria,
// with priority used to order evaluation.
type Binding struct {
	PEP       string
	MatchType MatchType
	Priority  int
	PolicyID  string
}

// Decision is the result of evaluating one binding.
type Decision struct {
	Allow       bool
	Deny        []string
	Reasons     []string
	Patches     []map[string]any
	Limits      map[string]float64
	Obligations []string
	Labels      map[string]string
	Routing     string
}

// PEP evaluates an invocation against a single policy binding.
type PEP interface {
	Evaluate(ctx context.Context, binding Binding, capability, method string, params any, invocationCtx map[string]any) (Decision, error)
}

// ComposeDecisions merges decisions from multiple bindings evaluated in
// selection order. Pure and commutative on Allow/Deny per spec §8: the
// merged Allow is false if any decision denies, regardless of order.
func ComposeDecisions(decisions []Decision) Decision {
	out := Decision{Allow: true, Limits: map[string]float64{}, Labels: map[string]string{}}

	for _, d := range decisions {
		if !d.Allow || len(d.Deny) > 0 {
			out.Allow = false
		}
		out.Deny = append(out.Deny, d.Deny...)
		out.Reasons = append(out.Reasons, d.Reasons...)
		out.Patches = append(out.Patches, d.Patches...)
		out.Obligations = append(out.Obligations, d.Obligations...)

		for k, v := range d.Limits {
			if existing, ok := out.Limits[k]; !ok || v < existing {
				out.Limits[k] = v
			}
		}
		for k, v := range d.Labels {
			out.Labels[k] = v
		}
		if d.Routing != "" {
			out.Routing = d.Routing
		}
	}

	return out
}
