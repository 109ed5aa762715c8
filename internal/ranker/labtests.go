package ranker

import "strings"

type labRule struct {
	keywords []string
	tests    []string
}

var symptomLabRules = []labRule{
	{[]string{"fever", "infection", "bacterial"}, []string{"Complete Blood Count (CBC)", "C-Reactive Protein (CRP)", "Blood Culture", "Urinalysis"}},
	{[]string{"diabetes", "glucose", "sugar", "thirst", "urination"}, []string{"Fasting Blood Glucose", "HbA1c", "Random Blood Glucose", "Glucose Tolerance Test"}},
	{[]string{"hypertension", "blood pressure", "heart", "chest pain"}, []string{"Lipid Panel", "Electrolytes", "Creatinine", "Blood Urea Nitrogen (BUN)", "Troponin"}},
	{[]string{"malaria", "tropical", "fever", "chills"}, []string{"Malaria Rapid Diagnostic Test", "Malaria Blood Smear", "Complete Blood Count (CBC)", "Liver Function Tests"}},
	{[]string{"hiv", "aids", "immunodeficiency"}, []string{"HIV Antibody Test", "CD4 Count", "Viral Load", "Complete Blood Count (CBC)"}},
	{[]string{"cancer", "tumor", "lump", "breast"}, []string{"Tumor Markers", "Complete Blood Count (CBC)", "Liver Function Tests", "Kidney Function Tests", "Imaging Studies"}},
	{[]string{"cough", "respiratory", "lung", "breathing"}, []string{"Chest X-ray", "Sputum Culture", "Complete Blood Count (CBC)", "Pulmonary Function Tests"}},
	{[]string{"headache", "migraine", "neurological"}, []string{"Complete Blood Count (CBC)", "CT Scan Head", "MRI Brain", "Lumbar Puncture"}},
}

var conditionLabRules = []labRule{
	{[]string{"diabetes"}, []string{"Fasting Blood Glucose", "HbA1c", "Microalbuminuria", "Lipid Profile"}},
	{[]string{"hypertension"}, []string{"Lipid Panel", "Electrolytes", "Creatinine", "Urinalysis"}},
	{[]string{"malaria"}, []string{"Malaria Blood Smear", "Malaria Rapid Diagnostic Test", "Complete Blood Count (CBC)"}},
	{[]string{"hiv"}, []string{"HIV Antibody Test", "CD4 Count", "Viral Load"}},
}

// SuggestLabTests proposes tests for a condition from keywords in its name
// and in the symptom text. Condition rules come first; duplicates are
// removed keeping the first occurrence.
func SuggestLabTests(condition, symptoms string) []string {
	name := strings.ToLower(condition)
	text := strings.ToLower(symptoms)

	var out []string
	seen := make(map[string]bool)
	add := func(rules []labRule, s string) {
		for _, r := range rules {
			if !matchesAny(s, r.keywords) {
				continue
			}
			for _, t := range r.tests {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	add(conditionLabRules, name)
	add(symptomLabRules, text)
	return out
}

func matchesAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
