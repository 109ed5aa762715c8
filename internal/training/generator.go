package training

import (
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// Weights of generated examples.
const (
	WeightSingleSymptom = 0.8
	WeightSymptomWindow = 0.9
	WeightPriority      = 0.95
)

const (
	minWindow      = 2
	maxWindow      = 4
	priorityWindow = 5
)

// GenerateExamples derives training text from knowledge records: every
// symptom on its own, every contiguous run of 2 to 4 symptoms, and for
// priority conditions runs of 5 as well.
func GenerateExamples(records []domain.ConditionRecord, priority []string) []domain.TrainingExample {
	prio := make(map[string]bool, len(priority))
	for _, p := range priority {
		prio[strings.ToLower(strings.TrimSpace(p))] = true
	}

	var out []domain.TrainingExample
	for _, rec := range records {
		symptoms := make([]string, 0, len(rec.Symptoms))
		for _, s := range rec.Symptoms {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				symptoms = append(symptoms, s)
			}
		}

		add := func(text string, w float64) {
			out = append(out, domain.TrainingExample{
				Text:   text,
				Label:  rec.CanonicalName,
				Weight: w,
				Source: domain.ExampleSourceGenerated,
			})
		}

		for _, s := range symptoms {
			add(s, WeightSingleSymptom)
		}
		for size := minWindow; size <= maxWindow; size++ {
			for i := 0; i+size <= len(symptoms); i++ {
				add(strings.Join(symptoms[i:i+size], " "), WeightSymptomWindow)
			}
		}
		if prio[strings.ToLower(rec.CanonicalName)] {
			for i := 0; i+priorityWindow <= len(symptoms); i++ {
				add(strings.Join(symptoms[i:i+priorityWindow], " "), WeightPriority)
			}
		}
	}
	return out
}
