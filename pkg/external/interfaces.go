package external

import (
	"context"
	"time"
)

// Source names used for cache keys, breakers and degraded-source reports.
const (
	SourcePubMed  = "pubmed"
	SourceOpenFDA = "openfda"
	SourceRxNorm  = "rxnorm"
	SourceGHO     = "who-gho"
	SourceStatic  = "static"
)

// Article is a literature search hit.
type Article struct {
	PMID    string   `json:"pmid"`
	Title   string   `json:"title"`
	Journal string   `json:"journal,omitempty"`
	Year    string   `json:"year,omitempty"`
	Authors []string `json:"authors,omitempty"`
}

// DrugLabel is the formulary view of a drug.
type DrugLabel struct {
	Query            string   `json:"query"`
	GenericName      string   `json:"generic_name"`
	BrandNames       []string `json:"brand_names,omitempty"`
	PharmClass       []string `json:"pharm_class,omitempty"`
	InteractionsText []string `json:"interactions_text,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// IndicatorStat aggregates the observations of one health indicator.
type IndicatorStat struct {
	Code         string    `json:"code"`
	Observations int       `json:"observations"`
	Latest       float64   `json:"latest"`
	LatestYear   int       `json:"latest_year"`
	Mean         float64   `json:"mean"`
	RetrievedAt  time.Time `json:"retrieved_at"`
}

// LiteratureService searches biomedical literature.
type LiteratureService interface {
	SearchLiterature(ctx context.Context, query string, max int) ([]Article, error)
}

// FormularyService looks up drug labels and adverse event co-reports.
type FormularyService interface {
	DrugLabel(ctx context.Context, name string) (*DrugLabel, error)
	CoReportCount(ctx context.Context, drugA, drugB string) (int, error)
}

// DrugNormalizer maps a free-text drug name to its normalized name.
type DrugNormalizer interface {
	NormalizeDrug(ctx context.Context, name string) (string, error)
}

// IndicatorService returns aggregate statistics for an indicator code.
type IndicatorService interface {
	Indicator(ctx context.Context, code string) (*IndicatorStat, error)
}
