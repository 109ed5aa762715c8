package external

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// The static services back curated deployments and tests. They answer from
// in-process tables and never touch the network.

// StaticLiterature returns canned articles for queries mentioning a key.
type StaticLiterature struct {
	Articles map[string][]Article
}

func (s *StaticLiterature) SearchLiterature(_ context.Context, query string, max int) ([]Article, error) {
	low := strings.ToLower(query)
	keys := make([]string, 0, len(s.Articles))
	for key := range s.Articles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := []Article{}
	for _, key := range keys {
		if strings.Contains(low, strings.ToLower(key)) {
			out = append(out, s.Articles[key]...)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// StaticFormulary serves labels and co-report counts from maps keyed by
// lowercase drug name and domain.DrugPair.Key respectively.
type StaticFormulary struct {
	Labels    map[string]DrugLabel
	CoReports map[string]int
}

func (s *StaticFormulary) DrugLabel(_ context.Context, name string) (*DrugLabel, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	label, ok := s.Labels[key]
	if !ok {
		return nil, fmt.Errorf("drug label for %s: %w", name, domain.ErrNotFound)
	}
	label.Query = key
	return &label, nil
}

func (s *StaticFormulary) CoReportCount(_ context.Context, drugA, drugB string) (int, error) {
	return s.CoReports[domain.NewDrugPair(drugA, drugB).Key()], nil
}

// StaticNormalizer maps brand names to ingredient names.
type StaticNormalizer struct {
	Names map[string]string
}

func (s *StaticNormalizer) NormalizeDrug(_ context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if n, ok := s.Names[key]; ok {
		return n, nil
	}
	return "", fmt.Errorf("ingredient for %s: %w", name, domain.ErrNotFound)
}

// StaticIndicators serves fixed indicator statistics.
type StaticIndicators struct {
	Stats map[string]IndicatorStat
}

func (s *StaticIndicators) Indicator(_ context.Context, code string) (*IndicatorStat, error) {
	stat, ok := s.Stats[code]
	if !ok {
		return nil, fmt.Errorf("indicator %s: %w", code, domain.ErrNotFound)
	}
	return &stat, nil
}

// NewCuratedFormulary returns the label table used in curated mode.
func NewCuratedFormulary() *StaticFormulary {
	return &StaticFormulary{
		Labels: map[string]DrugLabel{
			"ibuprofen": {
				GenericName:      "ibuprofen",
				BrandNames:       []string{"Advil", "Motrin"},
				PharmClass:       []string{"Nonsteroidal Anti-inflammatory Drug [EPC]"},
				InteractionsText: []string{"ACE inhibitors such as lisinopril: NSAIDs may diminish the antihypertensive effect. Lithium and methotrexate levels may increase."},
				Warnings:         []string{"Cardiovascular thrombotic events and gastrointestinal bleeding."},
			},
			"clopidogrel": {
				GenericName:      "clopidogrel",
				BrandNames:       []string{"Plavix"},
				PharmClass:       []string{"P2Y12 Platelet Inhibitor [EPC]"},
				InteractionsText: []string{"Avoid concomitant use with omeprazole or esomeprazole. Increased bleeding risk with warfarin and NSAIDs."},
			},
			"sildenafil": {
				GenericName:      "sildenafil",
				BrandNames:       []string{"Viagra", "Revatio"},
				PharmClass:       []string{"Phosphodiesterase 5 Inhibitor [EPC]"},
				InteractionsText: []string{"Nitrates such as nitroglycerin: concomitant use is contraindicated."},
			},
		},
		CoReports: map[string]int{
			domain.NewDrugPair("lisinopril", "potassium chloride").Key(): 412,
		},
	}
}

// NewCuratedNormalizer returns common brand to ingredient mappings.
func NewCuratedNormalizer() *StaticNormalizer {
	return &StaticNormalizer{Names: map[string]string{
		"coumadin":    "warfarin",
		"jantoven":    "warfarin",
		"tylenol":     "acetaminophen",
		"paracetamol": "acetaminophen",
		"advil":       "ibuprofen",
		"motrin":      "ibuprofen",
		"glucophage":  "metformin",
		"zocor":       "simvastatin",
		"lanoxin":     "digoxin",
		"cordarone":   "amiodarone",
		"pacerone":    "amiodarone",
		"dilantin":    "phenytoin",
		"cipro":       "ciprofloxacin",
		"flagyl":      "metronidazole",
		"diflucan":    "fluconazole",
		"zestril":     "lisinopril",
		"prinivil":    "lisinopril",
		"aldactone":   "spironolactone",
		"plavix":      "clopidogrel",
		"bayer":       "aspirin",
	}}
}

// NewCuratedLiterature returns a small offline reference shelf.
func NewCuratedLiterature() *StaticLiterature {
	return &StaticLiterature{Articles: map[string][]Article{
		"malaria": {
			{PMID: "curated-malaria-1", Title: "Diagnosis and treatment of uncomplicated falciparum malaria", Journal: "WHO Guidelines for Malaria", Year: "2023"},
		},
		"tuberculosis": {
			{PMID: "curated-tb-1", Title: "Consolidated guidelines on tuberculosis treatment", Journal: "WHO Operational Handbook", Year: "2022"},
		},
		"diabetes": {
			{PMID: "curated-dm-1", Title: "Standards of care in diabetes", Journal: "Diabetes Care", Year: "2024"},
		},
		"hypertension": {
			{PMID: "curated-htn-1", Title: "Guideline for the pharmacological treatment of hypertension in adults", Journal: "WHO Guidelines", Year: "2021"},
		},
	}}
}

// NewCuratedIndicators returns fixed indicator statistics keyed by GHO code.
func NewCuratedIndicators() *StaticIndicators {
	return &StaticIndicators{Stats: map[string]IndicatorStat{
		"MALARIA_EST_INCIDENCE": {Code: "MALARIA_EST_INCIDENCE", Observations: 3, Latest: 59.4, LatestYear: 2021, Mean: 58.9},
		"MDG_0000000020":        {Code: "MDG_0000000020", Observations: 3, Latest: 133, LatestYear: 2021, Mean: 134.2},
		"NCD_GLUC_04":           {Code: "NCD_GLUC_04", Observations: 2, Latest: 8.5, LatestYear: 2014, Mean: 8.1},
	}}
}
