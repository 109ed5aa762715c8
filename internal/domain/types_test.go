package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConditionRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  ConditionRecord
		wantErr bool
	}{
		{
			name:   "Valid record",
			record: ConditionRecord{CanonicalName: "Malaria", Symptoms: []string{"fever"}, Severity: SeveritySevere},
		},
		{
			name:   "Severity optional",
			record: ConditionRecord{CanonicalName: "Malaria", Symptoms: []string{"fever"}},
		},
		{
			name:    "Missing name",
			record:  ConditionRecord{Symptoms: []string{"fever"}},
			wantErr: true,
		},
		{
			name:    "No symptoms",
			record:  ConditionRecord{CanonicalName: "Malaria"},
			wantErr: true,
		},
		{
			name:    "Blank symptom",
			record:  ConditionRecord{CanonicalName: "Malaria", Symptoms: []string{" "}},
			wantErr: true,
		},
		{
			name:    "Unknown severity",
			record:  ConditionRecord{CanonicalName: "Malaria", Symptoms: []string{"fever"}, Severity: "fatal"},
			wantErr: true,
		},
		{
			name:    "Blank alias",
			record:  ConditionRecord{CanonicalName: "Malaria", Symptoms: []string{"fever"}, Aliases: []string{""}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionRecord_Clone(t *testing.T) {
	orig := ConditionRecord{
		CanonicalName: "Malaria",
		Symptoms:      []string{"fever"},
		Indicators:    map[string]float64{"MALARIA_EST_INCIDENCE": 1.5},
	}
	c := orig.Clone()
	c.Symptoms[0] = "chills"
	c.Indicators["MALARIA_EST_INCIDENCE"] = 9

	assert.Equal(t, "fever", orig.Symptoms[0])
	assert.Equal(t, 1.5, orig.Indicators["MALARIA_EST_INCIDENCE"])
}

func TestCacheEntry_Fresh(t *testing.T) {
	now := time.Now()
	entry := CacheEntry{Key: "k", FetchedAt: now.Add(-30 * time.Minute), TTLSeconds: 3600}
	assert.True(t, entry.Fresh(now))

	entry.FetchedAt = now.Add(-time.Hour)
	assert.False(t, entry.Fresh(now), "an entry exactly at its TTL is expired")
}

func TestDrugPair_OrderIndependent(t *testing.T) {
	a := NewDrugPair("warfarin", "aspirin")
	b := NewDrugPair("aspirin", "warfarin")

	assert.Equal(t, a, b)
	assert.Equal(t, "aspirin|warfarin", a.Key())
	assert.Equal(t, DrugPair{A: "warfarin", B: "aspirin"}.Key(), a.Key())
}

func TestAggregateRisk(t *testing.T) {
	tests := []struct {
		name       string
		severities []InteractionSeverity
		expected   RiskLevel
	}{
		{"No interactions", nil, RiskLow},
		{"Minor only", []InteractionSeverity{InteractionMinor}, RiskLow},
		{"Moderate", []InteractionSeverity{InteractionMinor, InteractionModerate}, RiskModerate},
		{"Severe wins", []InteractionSeverity{InteractionModerate, InteractionSevere, InteractionMinor}, RiskSevere},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rules []InteractionRule
			for _, s := range tt.severities {
				rules = append(rules, InteractionRule{Severity: s})
			}
			assert.Equal(t, tt.expected, AggregateRisk(rules))
		})
	}
}

func TestSortCandidates(t *testing.T) {
	cs := []Candidate{
		{Condition: "Influenza", Confidence: 0.6, Overlap: 0.5},
		{Condition: "Pneumonia", Confidence: 0.6, Overlap: 0.8},
		{Condition: "Common Cold", Confidence: 0.7, Overlap: 0.1},
	}
	SortCandidates(cs)

	assert.Equal(t, "Common Cold", cs[0].Condition)
	assert.Equal(t, "Pneumonia", cs[1].Condition)
	assert.Equal(t, "Influenza", cs[2].Condition)
}

func TestModelArtifact_Validate(t *testing.T) {
	valid := ModelArtifact{
		Version:              "v1",
		HeldOutAccuracy:      0.9,
		LabelSet:             []string{"Malaria", "Influenza"},
		VectorizerParameters: []byte(`{}`),
		ClassifierState:      []byte(`{}`),
	}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.HeldOutAccuracy = 1.2
	assert.Error(t, bad.Validate())

	bad = valid
	bad.LabelSet = []string{"Malaria"}
	assert.Error(t, bad.Validate())
}
