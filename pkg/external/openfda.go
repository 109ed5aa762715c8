package external

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// OpenFDAClient queries the openFDA drug label and adverse event endpoints.
type OpenFDAClient struct {
	http   *httpClient
	apiKey string
}

// NewOpenFDAClient creates a new openFDA client
func NewOpenFDAClient(config domain.APIClientConfig) *OpenFDAClient {
	return &OpenFDAClient{
		http:   newHTTPClient(SourceOpenFDA, config, "https://api.fda.gov/", 4),
		apiKey: config.APIKey,
	}
}

type labelResponse struct {
	Results []struct {
		OpenFDA struct {
			GenericName []string `json:"generic_name"`
			BrandName   []string `json:"brand_name"`
			PharmClass  []string `json:"pharm_class_epc"`
		} `json:"openfda"`
		DrugInteractions []string `json:"drug_interactions"`
		Warnings         []string `json:"warnings"`
		BoxedWarning     []string `json:"boxed_warning"`
	} `json:"results"`
}

type eventResponse struct {
	Meta struct {
		Results struct {
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
}

func (o *OpenFDAClient) params(search string) url.Values {
	v := url.Values{"search": {search}, "limit": {"1"}}
	if o.apiKey != "" {
		v.Set("api_key", o.apiKey)
	}
	return v
}

func quoteTerm(s string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(s), `"`, "") + `"`
}

// DrugLabel returns the first label matching name by generic or brand name.
func (o *OpenFDAClient) DrugLabel(ctx context.Context, name string) (*DrugLabel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: empty drug name", domain.ErrInvalidInput)
	}
	search := fmt.Sprintf("openfda.generic_name:%s OR openfda.brand_name:%s", quoteTerm(name), quoteTerm(name))

	var resp labelResponse
	if err := o.http.getJSON(ctx, "drug/label.json", o.params(search), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch drug label for %s: %w", name, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("drug label for %s: %w", name, domain.ErrNotFound)
	}

	r := resp.Results[0]
	label := &DrugLabel{
		Query:            strings.ToLower(strings.TrimSpace(name)),
		BrandNames:       r.OpenFDA.BrandName,
		PharmClass:       r.OpenFDA.PharmClass,
		InteractionsText: r.DrugInteractions,
		Warnings:         append(append([]string(nil), r.BoxedWarning...), r.Warnings...),
	}
	if len(r.OpenFDA.GenericName) > 0 {
		label.GenericName = strings.ToLower(r.OpenFDA.GenericName[0])
	}
	return label, nil
}

// CoReportCount returns how many adverse event reports list both drugs.
// No matching reports is a count of zero, not an error.
func (o *OpenFDAClient) CoReportCount(ctx context.Context, drugA, drugB string) (int, error) {
	search := fmt.Sprintf("patient.drug.medicinalproduct:%s AND patient.drug.medicinalproduct:%s", quoteTerm(drugA), quoteTerm(drugB))

	var resp eventResponse
	if err := o.http.getJSON(ctx, "drug/event.json", o.params(search), &resp); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count adverse events: %w", err)
	}
	return resp.Meta.Results.Total, nil
}
