package external

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// RxNormClient normalizes drug names through the RxNav REST API.
type RxNormClient struct {
	http *httpClient
}

// NewRxNormClient creates a new RxNorm client
func NewRxNormClient(config domain.APIClientConfig) *RxNormClient {
	return &RxNormClient{
		http: newHTTPClient(SourceRxNorm, config, "https://rxnav.nlm.nih.gov/REST/", 10),
	}
}

type drugsResponse struct {
	DrugGroup struct {
		Name         string `json:"name"`
		ConceptGroup []struct {
			TTY               string `json:"tty"`
			ConceptProperties []struct {
				RxCUI string `json:"rxcui"`
				Name  string `json:"name"`
			} `json:"conceptProperties"`
		} `json:"conceptGroup"`
	} `json:"drugGroup"`
}

// ingredientTypes are RxNorm term types naming an ingredient, best first.
var ingredientTypes = []string{"IN", "PIN", "MIN"}

// NormalizeDrug returns the lowercase ingredient name for a drug or brand
// name. ErrNotFound is returned when RxNorm knows no ingredient for it.
func (r *RxNormClient) NormalizeDrug(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty drug name", domain.ErrInvalidInput)
	}

	var resp drugsResponse
	if err := r.http.getJSON(ctx, "drugs.json", url.Values{"name": {name}}, &resp); err != nil {
		return "", fmt.Errorf("failed to normalize %s: %w", name, err)
	}

	for _, tty := range ingredientTypes {
		for _, group := range resp.DrugGroup.ConceptGroup {
			if group.TTY != tty {
				continue
			}
			for _, c := range group.ConceptProperties {
				if c.Name != "" {
					return strings.ToLower(c.Name), nil
				}
			}
		}
	}
	return "", fmt.Errorf("rxnorm ingredient for %s: %w", name, domain.ErrNotFound)
}
