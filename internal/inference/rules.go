package inference

import "strings"

// Candidate sources.
const (
	SourceFastPath        = "fast_path"
	SourceClassifier      = "classifier"
	SourceKeywordFallback = "keyword_fallback"
)

// Fast path conditions.
const (
	CommonCold = "Common Cold"
	Influenza  = "Influenza"
)

var respiratoryKeywords = []string{"cough", "runny nose", "sneezing", "sore throat", "congestion", "cold"}

var feverKeywords = []string{"fever", "chills"}

// KeywordRule maps any of its keywords to a condition.
type KeywordRule struct {
	Keywords  []string
	Condition string
}

// Matches reports whether text contains one of the rule keywords.
func (r KeywordRule) Matches(text string) bool {
	return containsAny(text, r.Keywords)
}

// DefaultFallbackRules are tried in order when the classifier yields no
// canonical label. The first matching rule wins.
var DefaultFallbackRules = []KeywordRule{
	{Keywords: []string{"thirst", "urination", "sugar", "glucose"}, Condition: "Diabetes Mellitus"},
	{Keywords: []string{"blood pressure", "hypertension", "headache"}, Condition: "Hypertension"},
	{Keywords: []string{"fever", "chills", "sweat", "mosquito"}, Condition: "Malaria"},
	{Keywords: []string{"cough", "fever", "chest pain", "breath"}, Condition: "Pneumonia"},
	{Keywords: []string{"burning urination", "urinary", "cloudy urine"}, Condition: "Urinary Tract Infection"},
	{Keywords: []string{"vomiting", "diarrhea", "diarrhoea", "abdominal pain", "stomach pain", "nausea"}, Condition: "Gastroenteritis"},
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Normalize lowercases text, trims it and collapses inner whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
