package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity grades how serious a condition is.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is one of the known severity grades.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere, SeverityCritical:
		return true
	}
	return false
}

// Reference is a literature summary attached to a condition by enrichment.
type Reference struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty"`
	Year    string `json:"year,omitempty" yaml:"year,omitempty"`
	Source  string `json:"source" yaml:"source"`
}

// ConditionRecord is the canonical knowledge entry for one condition.
type ConditionRecord struct {
	CanonicalName    string             `json:"canonical_name" yaml:"canonical_name"`
	Aliases          []string           `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Symptoms         []string           `json:"symptoms" yaml:"symptoms"`
	Treatments       []string           `json:"treatments,omitempty" yaml:"treatments,omitempty"`
	LabTests         []string           `json:"lab_tests,omitempty" yaml:"lab_tests,omitempty"`
	DrugInteractions []string           `json:"drug_interactions,omitempty" yaml:"drug_interactions,omitempty"`
	Severity         Severity           `json:"severity" yaml:"severity"`
	SourceProvenance []string           `json:"source_provenance,omitempty" yaml:"source_provenance,omitempty"`
	References       []Reference        `json:"references,omitempty" yaml:"references,omitempty"`
	Indicators       map[string]float64 `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	LastUpdated      time.Time          `json:"last_updated" yaml:"last_updated"`
}

// Validate checks the structural rules a record must satisfy to be stored.
func (r *ConditionRecord) Validate() error {
	if strings.TrimSpace(r.CanonicalName) == "" {
		return NewValidationError("canonical_name", "must not be empty", r.CanonicalName)
	}
	if len(r.Symptoms) == 0 {
		return NewValidationError("symptoms", "at least one symptom is required", r.CanonicalName)
	}
	for _, s := range r.Symptoms {
		if strings.TrimSpace(s) == "" {
			return NewValidationError("symptoms", "symptoms must not be blank", r.CanonicalName)
		}
	}
	if r.Severity != "" && !r.Severity.IsValid() {
		return NewValidationError("severity", "unknown severity", r.Severity)
	}
	for _, a := range r.Aliases {
		if strings.TrimSpace(a) == "" {
			return NewValidationError("aliases", "aliases must not be blank", r.CanonicalName)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r ConditionRecord) Clone() ConditionRecord {
	out := r
	out.Aliases = append([]string(nil), r.Aliases...)
	out.Symptoms = append([]string(nil), r.Symptoms...)
	out.Treatments = append([]string(nil), r.Treatments...)
	out.LabTests = append([]string(nil), r.LabTests...)
	out.DrugInteractions = append([]string(nil), r.DrugInteractions...)
	out.SourceProvenance = append([]string(nil), r.SourceProvenance...)
	out.References = append([]Reference(nil), r.References...)
	if r.Indicators != nil {
		out.Indicators = make(map[string]float64, len(r.Indicators))
		for k, v := range r.Indicators {
			out.Indicators[k] = v
		}
	}
	return out
}

// ExampleSource tells where a training example came from.
type ExampleSource string

const (
	ExampleSourceGenerated ExampleSource = "generated"
	ExampleSourceClinician ExampleSource = "clinician"
	ExampleSourceImport    ExampleSource = "import"
)

// TrainingExample is one labeled symptom text.
type TrainingExample struct {
	ID        int64         `json:"id,omitempty"`
	Text      string        `json:"text"`
	Label     string        `json:"label"`
	Weight    float64       `json:"weight"`
	Source    ExampleSource `json:"source,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`
}

// CandidateScore records how one classifier family did during selection.
type CandidateScore struct {
	Family   string        `json:"family"`
	Accuracy float64       `json:"accuracy"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ModelArtifact is an immutable trained model. The active one is chosen by
// the artifact selector, never by mutating an artifact.
type ModelArtifact struct {
	Version              string           `json:"version"`
	TrainedAt            time.Time        `json:"trained_at"`
	HeldOutAccuracy      float64          `json:"held_out_accuracy"`
	LabelSet             []string         `json:"label_set"`
	ClassifierFamily     string           `json:"classifier_family"`
	VectorizerParameters json.RawMessage  `json:"vectorizer_parameters"`
	ClassifierState      json.RawMessage  `json:"classifier_state"`
	Candidates           []CandidateScore `json:"candidates,omitempty"`
	SplitStrategy        string           `json:"split_strategy"`
	TrainCount           int              `json:"train_count"`
	TestCount            int              `json:"test_count"`
	TrainOnlyLabels      []string         `json:"train_only_labels,omitempty"`
}

// Validate checks an artifact before it is persisted or activated.
func (a *ModelArtifact) Validate() error {
	if a.Version == "" {
		return NewValidationError("version", "must not be empty", nil)
	}
	if a.HeldOutAccuracy < 0 || a.HeldOutAccuracy > 1 {
		return NewValidationError("held_out_accuracy", "must be within [0, 1]", a.HeldOutAccuracy)
	}
	if len(a.LabelSet) < 2 {
		return NewValidationError("label_set", "at least two labels are required", len(a.LabelSet))
	}
	if len(a.VectorizerParameters) == 0 || len(a.ClassifierState) == 0 {
		return NewValidationError("classifier_state", "vectorizer and classifier state are required", a.Version)
	}
	return nil
}

// Summary drops the serialized model state for display.
func (a *ModelArtifact) Summary() ModelSummary {
	return ModelSummary{
		Version:          a.Version,
		TrainedAt:        a.TrainedAt,
		HeldOutAccuracy:  a.HeldOutAccuracy,
		ClassifierFamily: a.ClassifierFamily,
		Labels:           len(a.LabelSet),
		Candidates:       a.Candidates,
		SplitStrategy:    a.SplitStrategy,
		TrainCount:       a.TrainCount,
		TestCount:        a.TestCount,
	}
}

// ModelSummary is the metadata view of a ModelArtifact.
type ModelSummary struct {
	Version          string           `json:"version"`
	TrainedAt        time.Time        `json:"trained_at"`
	HeldOutAccuracy  float64          `json:"held_out_accuracy"`
	ClassifierFamily string           `json:"classifier_family"`
	Labels           int              `json:"labels"`
	Candidates       []CandidateScore `json:"candidates,omitempty"`
	SplitStrategy    string           `json:"split_strategy"`
	TrainCount       int              `json:"train_count"`
	TestCount        int              `json:"test_count"`
}

// CacheEntry is a cached external payload.
type CacheEntry struct {
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload"`
	FetchedAt  time.Time `json:"fetched_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < time.Duration(e.TTLSeconds)*time.Second
}

// InteractionSeverity grades a drug-drug interaction.
type InteractionSeverity string

const (
	InteractionMinor    InteractionSeverity = "minor"
	InteractionModerate InteractionSeverity = "moderate"
	InteractionSevere   InteractionSeverity = "severe"
)

// DrugPair is an unordered pair of normalized drug names.
type DrugPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewDrugPair builds the canonical (sorted) form of a pair.
func NewDrugPair(a, b string) DrugPair {
	if b < a {
		a, b = b, a
	}
	return DrugPair{A: a, B: b}
}

// Key returns a stable identifier for the pair regardless of order.
func (p DrugPair) Key() string {
	c := NewDrugPair(p.A, p.B)
	return c.A + "|" + c.B
}

func (p DrugPair) String() string {
	return fmt.Sprintf("%s + %s", p.A, p.B)
}

// InteractionRule describes a known interaction between two drugs.
type InteractionRule struct {
	Pair           DrugPair            `json:"drug_pair"`
	Severity       InteractionSeverity `json:"severity"`
	Description    string              `json:"description"`
	Mechanism      string              `json:"mechanism,omitempty"`
	Recommendation string              `json:"recommendation"`
	EvidenceSource string              `json:"evidence_source"`
	EvidenceLevel  string              `json:"evidence_level,omitempty"`
}

// RiskLevel is the aggregated risk of a medication list.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskSevere   RiskLevel = "severe"
)

// PairStatus is the outcome of checking a single pair.
type PairStatus string

const (
	PairInteraction PairStatus = "interaction"
	PairNoneKnown   PairStatus = "no_known_interaction"
)

// PairResult is the outcome for one medication pair.
type PairResult struct {
	Pair        DrugPair         `json:"pair"`
	Status      PairStatus       `json:"status"`
	Interaction *InteractionRule `json:"interaction,omitempty"`
}

// InteractionReport is the result of checking a medication list.
type InteractionReport struct {
	Medications     []string          `json:"medications"`
	Pairs           []PairResult      `json:"pairs"`
	Interactions    []InteractionRule `json:"interactions"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	Warnings        []string          `json:"warnings"`
	Recommendations []string          `json:"recommendations"`
	DegradedSources []string          `json:"degraded_sources,omitempty"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// AggregateRisk folds interaction severities into a single risk level.
func AggregateRisk(interactions []InteractionRule) RiskLevel {
	risk := RiskLow
	for _, in := range interactions {
		switch in.Severity {
		case InteractionSevere:
			return RiskSevere
		case InteractionModerate:
			risk = RiskModerate
		}
	}
	return risk
}

// DiagnosisStatus tells which path produced a diagnosis result.
type DiagnosisStatus string

const (
	StatusFastPath        DiagnosisStatus = "fast_path"
	StatusClassifier      DiagnosisStatus = "classifier"
	StatusKeywordFallback DiagnosisStatus = "keyword_fallback"
	StatusIndeterminate   DiagnosisStatus = "indeterminate"
)

// IndeterminateMessage is returned when no path produced a candidate.
const IndeterminateMessage = "Unable to determine a likely condition from the described symptoms. Please consult a healthcare professional."

// Candidate is one condition in a differential diagnosis.
type Candidate struct {
	Condition       string   `json:"condition"`
	Confidence      float64  `json:"confidence"`
	Overlap         float64  `json:"symptom_overlap"`
	MatchedSymptoms []string `json:"matched_symptoms,omitempty"`
	Symptoms        []string `json:"symptoms"`
	Treatments      []string `json:"treatments"`
	LabTests        []string `json:"lab_tests"`
	Severity        Severity `json:"severity"`
	Source          string   `json:"source"`
}

// DiagnosisResult is what Analyze returns.
type DiagnosisResult struct {
	Input         string          `json:"input"`
	Status        DiagnosisStatus `json:"status"`
	LowConfidence bool            `json:"low_confidence"`
	Message       string          `json:"message,omitempty"`
	Candidates    []Candidate     `json:"candidates"`
	ModelVersion  string          `json:"model_version,omitempty"`
	AnalyzedAt    time.Time       `json:"analyzed_at"`
}

// Top returns the first candidate or nil.
func (r *DiagnosisResult) Top() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// SortCandidates orders by confidence, then symptom overlap, then name.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		if cs[i].Overlap != cs[j].Overlap {
			return cs[i].Overlap > cs[j].Overlap
		}
		return cs[i].Condition < cs[j].Condition
	})
}
