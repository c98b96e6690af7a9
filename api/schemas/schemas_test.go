package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMapImmutability(t *testing.T) {
	original := NewSymbolMap(map[string]SymbolInfo{
		"credits": {Name: "credits", Address: 0x1000, Source: SourceSignature, Confidence: 0.9},
	})

	updated := original.WithSymbol(SymbolInfo{Name: "credits", Address: 0x2000, Source: SourceFallback, Confidence: 0.5})

	// The original map must not see the replacement.
	before, ok := original.Lookup("credits")
	require.True(t, ok)
	assert.Equal(t, Address(0x1000), before.Address)
	assert.Equal(t, SourceSignature, before.Source)

	after, ok := updated.Lookup("credits")
	require.True(t, ok)
	assert.Equal(t, Address(0x2000), after.Address)
}

func TestSymbolMapResolvedNames(t *testing.T) {
	m := NewSymbolMap(map[string]SymbolInfo{
		"credits":  {Name: "credits", Source: SourceSignature},
		"unit_cap": {Name: "unit_cap", Source: SourceFallback},
		"ghost":    {Name: "ghost", Source: SourceNone},
	})

	names := m.ResolvedNames()
	assert.ElementsMatch(t, []string{"credits", "unit_cap"}, names)
	assert.Equal(t, 3, m.Len())
}

func TestSymbolMapNilReceiver(t *testing.T) {
	var m *SymbolMap
	_, ok := m.Lookup("anything")
	assert.False(t, ok)
	assert.Zero(t, m.Len())
	assert.Nil(t, m.ResolvedNames())
}

func TestSanityRangeContains(t *testing.T) {
	r := SanityRange{Min: 0, Max: 1000000}
	assert.True(t, r.Contains(0))
	assert.True(t, r.Contains(1000000))
	assert.False(t, r.Contains(-1))
	assert.False(t, r.Contains(1000001))
}

func TestCapabilityReportFor(t *testing.T) {
	report := CapabilityReport{
		SessionID: "s1",
		Capabilities: map[string][]BackendCapability{
			"set_credits": {
				{FeatureID: "set_credits", Backend: BackendBridge, State: ProbeVerified, Confidence: 0.95},
				{FeatureID: "set_credits", Backend: BackendMemory, State: ProbeExperimental, Confidence: 0.6},
			},
		},
	}

	cap, ok := report.For("set_credits", BackendMemory)
	require.True(t, ok)
	assert.Equal(t, ProbeExperimental, cap.State)

	_, ok = report.For("set_credits", BackendSave)
	assert.False(t, ok)

	_, ok = report.For("unknown_feature", BackendBridge)
	assert.False(t, ok)
}

func TestProfileAction(t *testing.T) {
	profile := TrainerProfile{
		Actions: []ActionSpec{
			{ID: "set_credits", Kind: ExecDirectWrite, Symbol: "credits"},
			{ID: "spawn_unit", Kind: ExecHelper, Feature: "spawn_unit"},
		},
	}

	a, ok := profile.Action("spawn_unit")
	require.True(t, ok)
	assert.Equal(t, ExecHelper, a.Kind)

	_, ok = profile.Action("nope")
	assert.False(t, ok)
}
