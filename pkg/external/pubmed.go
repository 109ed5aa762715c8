package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// PubMedClient handles interactions with NCBI PubMed via E-utilities
type PubMedClient struct {
	http   *httpClient
	apiKey string
	email  string // Required by NCBI for large-scale queries
}

// NewPubMedClient creates a new PubMed API client
func NewPubMedClient(config domain.APIClientConfig) *PubMedClient {
	rateLimit := 3 // 3 requests per second without an API key
	if config.APIKey != "" {
		rateLimit = 10
	}
	return &PubMedClient{
		http:   newHTTPClient(SourcePubMed, config, "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/", rateLimit),
		apiKey: config.APIKey,
		email:  config.Email,
	}
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type esummaryDoc struct {
	UID             string `json:"uid"`
	Title           string `json:"title"`
	FullJournalName string `json:"fulljournalname"`
	Source          string `json:"source"`
	PubDate         string `json:"pubdate"`
	Authors         []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (p *PubMedClient) params(v url.Values) url.Values {
	v.Set("db", "pubmed")
	v.Set("retmode", "json")
	if p.apiKey != "" {
		v.Set("api_key", p.apiKey)
	}
	if p.email != "" {
		v.Set("email", p.email)
	}
	return v
}

// SearchLiterature returns up to max article summaries for query.
func (p *PubMedClient) SearchLiterature(ctx context.Context, query string, max int) ([]Article, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty literature query", domain.ErrInvalidInput)
	}
	if max <= 0 {
		max = 20
	}

	var search esearchResponse
	err := p.http.getJSON(ctx, "esearch.fcgi", p.params(url.Values{
		"term":   {query},
		"retmax": {strconv.Itoa(max)},
		"sort":   {"relevance"},
	}), &search)
	if err != nil {
		return nil, fmt.Errorf("failed to search PubMed: %w", err)
	}
	if len(search.Result.IDList) == 0 {
		return []Article{}, nil
	}

	var summary struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	err = p.http.getJSON(ctx, "esummary.fcgi", p.params(url.Values{
		"id": {strings.Join(search.Result.IDList, ",")},
	}), &summary)
	if err != nil {
		return nil, fmt.Errorf("failed to get article summaries: %w", err)
	}

	articles := make([]Article, 0, len(search.Result.IDList))
	for _, id := range search.Result.IDList {
		raw, ok := summary.Result[id]
		if !ok {
			continue
		}
		var doc esummaryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		articles = append(articles, doc.article())
	}
	return articles, nil
}

func (d esummaryDoc) article() Article {
	a := Article{
		PMID:    d.UID,
		Title:   strings.TrimSpace(d.Title),
		Journal: d.FullJournalName,
		Year:    publicationYear(d.PubDate),
	}
	if a.Journal == "" {
		a.Journal = d.Source
	}
	for _, au := range d.Authors {
		if au.Name != "" {
			a.Authors = append(a.Authors, au.Name)
		}
	}
	return a
}

// publicationYear extracts the leading year of a PubMed date such as "2021 Mar 4".
func publicationYear(pubDate string) string {
	fields := strings.Fields(pubDate)
	if len(fields) == 0 {
		return ""
	}
	if _, err := strconv.Atoi(fields[0]); err != nil || len(fields[0]) != 4 {
		return ""
	}
	return fields[0]
}
