package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComposeDecisionsDeniesIfAnyDenies(t *testing.T) {
	decisions := []Decision{
		{Allow: true, Reasons: []string{"rate-ok"}},
		{Allow: false, Deny: []string{"quota-exceeded"}, Reasons: []string{"over quota"}},
		{Allow: true, Reasons: []string{"region-ok"}},
	}
	out := ComposeDecisions(decisions)
	assert.False(t, out.Allow)
	assert.Equal(t, []string{"quota-exceeded"}, out.Deny)
	assert.Equal(t, []string{"rate-ok", "over quota", "region-ok"}, out.Reasons)
}

func TestComposeDecisionsDenyIsCommutative(t *testing.T) {
	a := Decision{Allow: true}
	b := Decision{Allow: false, Deny: []string{"x"}}
	forward := ComposeDecisions([]Decision{a, b})
	backward := ComposeDecisions([]Decision{b, a})
	assert.Equal(t, forward.Allow, backward.Allow)
	assert.False(t, forward.Allow)
	assert.False(t, backward.Allow)
}

func TestComposeDecisionsLimitsCollapseByCoordinateWiseMinimum(t *testing.T) {
	decisions := []Decision{
		{Allow: true, Limits: map[string]float64{"rps": 100, "burst": 10}},
		{Allow: true, Limits: map[string]float64{"rps": 40}},
	}
	out := ComposeDecisions(decisions)
	assert.Equal(t, 40.0, out.Limits["rps"])
	assert.Equal(t, 10.0, out.Limits["burst"])
}

func TestComposeDecisionsPatchesAndObligationsPreserveSelectionOrder(t *testing.T) {
	decisions := []Decision{
		{Allow: true, Patches: []map[string]any{{"op": "set", "field": "a"}}, Obligations: []string{"audit"}},
		{Allow: true, Patches: []map[string]any{{"op": "set", "field": "b"}}, Obligations: []string{"mask"}},
	}
	out := ComposeDecisions(decisions)
	assert.Equal(t, "a", out.Patches[0]["field"])
	assert.Equal(t, "b", out.Patches[1]["field"])
	assert.Equal(t, []string{"audit", "mask"}, out.Obligations)
}

func TestComposeDecisionsEmptyIsAllow(t *testing.T) {
	out := ComposeDecisions(nil)
	assert.True(t, out.Allow)
	assert.Empty(t, out.Deny)
}
