// Package ranker turns raw inference candidates into a differential
// diagnosis: it attaches knowledge base evidence to every candidate and
// orders them by confidence, then by symptom overlap.
package ranker

import (
	"context"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/inference"
)

// Evidence used for fast path conditions the knowledge base lacks.
var (
	DefaultSymptoms   = []string{"cough", "runny nose", "sore throat", "sneezing"}
	DefaultTreatments = []string{"rest", "fluids", "paracetamol", "decongestants"}
)

type Ranker struct {
	analyzer domain.Analyzer
	kb       domain.ConditionLookup
	logger   *logrus.Logger
}

func New(analyzer domain.Analyzer, kb domain.ConditionLookup, logger *logrus.Logger) *Ranker {
	return &Ranker{analyzer: analyzer, kb: kb, logger: logger}
}

// Rank analyzes symptoms and returns the candidates with evidence, sorted
// by confidence, symptom overlap and name.
func (r *Ranker) Rank(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error) {
	res, err := r.analyzer.Analyze(ctx, symptoms)
	if err != nil {
		return nil, err
	}

	input := tokenSet(res.Input)
	for i := range res.Candidates {
		r.attachEvidence(&res.Candidates[i], res.Input, input)
	}
	domain.SortCandidates(res.Candidates)
	return res, nil
}

func (r *Ranker) attachEvidence(c *domain.Candidate, text string, input map[string]bool) {
	rec, ok := r.kb.Get(c.Condition)
	switch {
	case ok:
		c.Symptoms = rec.Symptoms
		c.Treatments = rec.Treatments
		c.LabTests = rec.LabTests
		c.Severity = rec.Severity
	case c.Source == inference.SourceFastPath:
		c.Symptoms = append([]string(nil), DefaultSymptoms...)
		c.Treatments = append([]string(nil), DefaultTreatments...)
		c.Severity = domain.SeverityModerate
	default:
		r.logger.WithField("condition", c.Condition).Warn("Candidate has no knowledge record")
		c.Symptoms = []string{}
		c.Treatments = []string{}
		c.Severity = domain.SeverityModerate
	}
	if len(c.LabTests) == 0 {
		c.LabTests = SuggestLabTests(c.Condition, text)
	}
	if c.LabTests == nil {
		c.LabTests = []string{}
	}

	c.MatchedSymptoms = nil
	for _, s := range c.Symptoms {
		if symptomPresent(s, input) {
			c.MatchedSymptoms = append(c.MatchedSymptoms, s)
		}
	}
	c.Overlap = 0
	if len(c.Symptoms) > 0 {
		c.Overlap = float64(len(c.MatchedSymptoms)) / float64(len(c.Symptoms))
	}
}

// Overlap returns the fraction of symptoms present in text.
func Overlap(symptoms []string, text string) float64 {
	if len(symptoms) == 0 {
		return 0
	}
	input := tokenSet(text)
	n := 0
	for _, s := range symptoms {
		if symptomPresent(s, input) {
			n++
		}
	}
	return float64(n) / float64(len(symptoms))
}

// symptomPresent reports whether every significant word of the symptom
// occurs in the input.
func symptomPresent(symptom string, input map[string]bool) bool {
	words := tokens(symptom)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !input[w] {
			return false
		}
	}
	return true
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokens(text) {
		set[w] = true
	}
	return set
}

// tokens splits on non-alphanumerics, drops words under three letters and
// folds a plural "s".
func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = strings.TrimSuffix(f, "s")
		}
		out = append(out, f)
	}
	return out
}
