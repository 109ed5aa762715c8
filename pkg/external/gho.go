package external

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/medical-dx-engine/internal/domain"
)

var indicatorCodePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// GHOClient reads indicator series from the WHO Global Health Observatory.
type GHOClient struct {
	http *httpClient
}

// NewGHOClient creates a new WHO GHO OData client
func NewGHOClient(config domain.APIClientConfig) *GHOClient {
	return &GHOClient{
		http: newHTTPClient(SourceGHO, config, "https://ghoapi.azureedge.net/api/", 5),
	}
}

type ghoResponse struct {
	Value []struct {
		SpatialDim   string   `json:"SpatialDim"`
		TimeDim      int      `json:"TimeDim"`
		NumericValue *float64 `json:"NumericValue"`
	} `json:"value"`
}

// Indicator aggregates every numeric observation of code. Latest is the
// mean of the observations in the most recent year.
func (g *GHOClient) Indicator(ctx context.Context, code string) (*IndicatorStat, error) {
	if !indicatorCodePattern.MatchString(code) {
		return nil, fmt.Errorf("%w: invalid indicator code %q", domain.ErrInvalidInput, code)
	}

	var resp ghoResponse
	if err := g.http.getJSON(ctx, code, url.Values{}, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch indicator %s: %w", code, err)
	}

	stat := &IndicatorStat{Code: code, RetrievedAt: time.Now().UTC()}
	var sum, latestSum float64
	latestN := 0
	for _, v := range resp.Value {
		if v.NumericValue == nil {
			continue
		}
		stat.Observations++
		sum += *v.NumericValue
		switch {
		case v.TimeDim > stat.LatestYear:
			stat.LatestYear = v.TimeDim
			latestSum, latestN = *v.NumericValue, 1
		case v.TimeDim == stat.LatestYear:
			latestSum += *v.NumericValue
			latestN++
		}
	}
	if stat.Observations == 0 {
		return nil, fmt.Errorf("indicator %s has no numeric observations: %w", code, domain.ErrNotFound)
	}
	stat.Mean = sum / float64(stat.Observations)
	stat.Latest = latestSum / float64(latestN)
	return stat, nil
}
