package interaction

import (
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// Evidence sources recorded on interactions.
const (
	EvidenceStaticTable  = "known_interactions"
	EvidenceDrugLabel    = "openfda_label"
	EvidenceAdverseEvent = "openfda_adverse_events"
)

func rule(a, b string, sev domain.InteractionSeverity, desc, mechanism, rec, level string) domain.InteractionRule {
	return domain.InteractionRule{
		Pair:           domain.NewDrugPair(a, b),
		Severity:       sev,
		Description:    desc,
		Mechanism:      mechanism,
		Recommendation: rec,
		EvidenceSource: EvidenceStaticTable,
		EvidenceLevel:  level,
	}
}

// KnownInteractions is the built-in interaction table.
var KnownInteractions = []domain.InteractionRule{
	rule("warfarin", "aspirin", domain.InteractionSevere, "Increased bleeding risk",
		"Both drugs affect platelet function", "Monitor INR closely, consider alternative", "strong"),
	rule("metformin", "insulin", domain.InteractionModerate, "Increased hypoglycemia risk",
		"Additive glucose-lowering effects", "Monitor blood glucose frequently", "moderate"),
	rule("lisinopril", "spironolactone", domain.InteractionModerate, "Increased hyperkalemia risk",
		"Both increase potassium levels", "Monitor potassium levels", "strong"),
	rule("simvastatin", "amiodarone", domain.InteractionSevere, "Increased myopathy risk",
		"CYP3A4 inhibition", "Avoid combination or reduce simvastatin dose", "strong"),
	rule("digoxin", "amiodarone", domain.InteractionModerate, "Increased digoxin levels",
		"P-glycoprotein inhibition", "Monitor digoxin levels, reduce dose", "moderate"),
	rule("phenytoin", "warfarin", domain.InteractionModerate, "Decreased warfarin effect",
		"CYP2C9 induction", "Monitor INR, adjust warfarin dose", "moderate"),
	rule("ciprofloxacin", "warfarin", domain.InteractionModerate, "Increased warfarin effect",
		"CYP2C9 inhibition", "Monitor INR closely", "moderate"),
	rule("amiodarone", "warfarin", domain.InteractionSevere, "Increased warfarin effect",
		"CYP2C9 inhibition", "Reduce warfarin dose by 30-50%", "strong"),
	rule("metronidazole", "warfarin", domain.InteractionModerate, "Increased warfarin effect",
		"CYP2C9 inhibition", "Monitor INR closely", "moderate"),
	rule("fluconazole", "warfarin", domain.InteractionModerate, "Increased warfarin effect",
		"CYP2C9 inhibition", "Monitor INR closely", "moderate"),
}

// RuleTable indexes interaction rules by unordered pair.
type RuleTable struct {
	rules map[string]domain.InteractionRule
}

// NewRuleTable builds a table. A later rule for the same pair replaces an
// earlier one.
func NewRuleTable(rules []domain.InteractionRule) *RuleTable {
	t := &RuleTable{rules: make(map[string]domain.InteractionRule, len(rules))}
	for _, r := range rules {
		r.Pair = domain.NewDrugPair(NormalizeName(r.Pair.A), NormalizeName(r.Pair.B))
		t.rules[r.Pair.Key()] = r
	}
	return t
}

// Lookup matches the pair in either order.
func (t *RuleTable) Lookup(a, b string) (domain.InteractionRule, bool) {
	r, ok := t.rules[domain.NewDrugPair(a, b).Key()]
	return r, ok
}

func (t *RuleTable) Len() int {
	return len(t.rules)
}

// NormalizeName lowercases a drug name and collapses its whitespace.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
