package external

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-dx-engine/internal/domain"
)

func testConfig(baseURL string) domain.APIClientConfig {
	return domain.APIClientConfig{BaseURL: baseURL, Timeout: 5 * time.Second, RateLimit: 100}
}

func TestPubMedClient_SearchLiterature(t *testing.T) {
	tests := []struct {
		name          string
		searchBody    string
		summaryBody   string
		status        int
		expectedCount int
		expectedErr   error
	}{
		{
			name:       "Successful_Search",
			searchBody: `{"esearchresult":{"count":"2","idlist":["111","222"]}}`,
			summaryBody: `{"result":{"uids":["111","222"],
				"111":{"uid":"111","title":"Malaria in travellers","fulljournalname":"Lancet","pubdate":"2021 Mar 4","authors":[{"name":"Smith J"}]},
				"222":{"uid":"222","title":"Artemisinin resistance","source":"N Engl J Med","pubdate":"2019"}}}`,
			status:        http.StatusOK,
			expectedCount: 2,
		},
		{
			name:          "No_Results",
			searchBody:    `{"esearchresult":{"count":"0","idlist":[]}}`,
			status:        http.StatusOK,
			expectedCount: 0,
		},
		{
			name:        "Rate_Limited",
			status:      http.StatusTooManyRequests,
			expectedErr: domain.ErrRateLimited,
		},
		{
			name:        "Server_Error",
			status:      http.StatusBadGateway,
			expectedErr: domain.ErrDataUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "json", r.URL.Query().Get("retmode"))
				assert.Equal(t, "key", r.URL.Query().Get("api_key"))
				if tt.status != http.StatusOK {
					w.WriteHeader(tt.status)
					return
				}
				switch r.URL.Path {
				case "/esearch.fcgi":
					assert.Equal(t, "malaria treatment", r.URL.Query().Get("term"))
					w.Write([]byte(tt.searchBody))
				case "/esummary.fcgi":
					assert.Equal(t, "111,222", r.URL.Query().Get("id"))
					w.Write([]byte(tt.summaryBody))
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer server.Close()

			cfg := testConfig(server.URL + "/")
			cfg.APIKey = "key"
			client := NewPubMedClient(cfg)

			articles, err := client.SearchLiterature(context.Background(), "malaria treatment", 5)
			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
				var upstream *domain.UpstreamError
				assert.True(t, errors.As(err, &upstream))
				return
			}
			require.NoError(t, err)
			require.Len(t, articles, tt.expectedCount)
			if tt.expectedCount > 0 {
				assert.Equal(t, Article{PMID: "111", Title: "Malaria in travellers", Journal: "Lancet", Year: "2021", Authors: []string{"Smith J"}}, articles[0])
				assert.Equal(t, "N Engl J Med", articles[1].Journal)
			}
		})
	}

	t.Run("Empty_Query", func(t *testing.T) {
		_, err := NewPubMedClient(testConfig("http://127.0.0.1:1")).SearchLiterature(context.Background(), "  ", 5)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestOpenFDAClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		search := r.URL.Query().Get("search")
		switch r.URL.Path {
		case "/drug/label.json":
			if search == `openfda.generic_name:"warfarin" OR openfda.brand_name:"warfarin"` {
				w.Write([]byte(`{"results":[{"openfda":{"generic_name":["WARFARIN SODIUM"],"brand_name":["Coumadin"],"pharm_class_epc":["Vitamin K Antagonist [EPC]"]},
					"drug_interactions":["Aspirin and other NSAIDs increase bleeding risk."],"boxed_warning":["BLEEDING RISK"],"warnings":["Tissue necrosis"]}]}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"No matches found!"}}`))
		case "/drug/event.json":
			if search == `patient.drug.medicinalproduct:"warfarin" AND patient.drug.medicinalproduct:"aspirin"` {
				w.Write([]byte(`{"meta":{"results":{"skip":0,"limit":1,"total":1523}},"results":[]}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewOpenFDAClient(testConfig(server.URL))
	ctx := context.Background()

	t.Run("Label_Found", func(t *testing.T) {
		label, err := client.DrugLabel(ctx, "warfarin")
		require.NoError(t, err)
		assert.Equal(t, "warfarin sodium", label.GenericName)
		assert.Equal(t, []string{"Coumadin"}, label.BrandNames)
		assert.Equal(t, []string{"BLEEDING RISK", "Tissue necrosis"}, label.Warnings)
		assert.Contains(t, label.InteractionsText[0], "Aspirin")
	})

	t.Run("Label_Not_Found", func(t *testing.T) {
		_, err := client.DrugLabel(ctx, "vitamin d")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CoReports", func(t *testing.T) {
		n, err := client.CoReportCount(ctx, "warfarin", "aspirin")
		require.NoError(t, err)
		assert.Equal(t, 1523, n)
	})

	t.Run("No_CoReports_Is_Zero", func(t *testing.T) {
		n, err := client.CoReportCount(ctx, "acetaminophen", "vitamin d")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRxNormClient_NormalizeDrug(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drugs.json", r.URL.Path)
		switch r.URL.Query().Get("name") {
		case "Coumadin":
			w.Write([]byte(`{"drugGroup":{"name":"Coumadin","conceptGroup":[
				{"tty":"SBD","conceptProperties":[{"rxcui":"855332","name":"warfarin sodium 5 MG Oral Tablet [Coumadin]"}]},
				{"tty":"IN","conceptProperties":[{"rxcui":"11289","name":"Warfarin"}]}]}}`))
		case "unknownium":
			w.Write([]byte(`{"drugGroup":{"name":"unknownium"}}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := NewRxNormClient(testConfig(server.URL))

	name, err := client.NormalizeDrug(context.Background(), "Coumadin")
	require.NoError(t, err)
	assert.Equal(t, "warfarin", name)

	_, err = client.NormalizeDrug(context.Background(), "unknownium")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = client.NormalizeDrug(context.Background(), "other")
	var upstream *domain.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.True(t, upstream.Retryable())
}

func TestGHOClient_Indicator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/MALARIA_EST_INCIDENCE":
			w.Write([]byte(`{"value":[
				{"SpatialDim":"NGA","TimeDim":2020,"NumericValue":300},
				{"SpatialDim":"KEN","TimeDim":2021,"NumericValue":100},
				{"SpatialDim":"NGA","TimeDim":2021,"NumericValue":200},
				{"SpatialDim":"XXX","TimeDim":2022,"NumericValue":null}]}`))
		case "/EMPTY":
			w.Write([]byte(`{"value":[]}`))
		}
	}))
	defer server.Close()

	client := NewGHOClient(testConfig(server.URL))

	stat, err := client.Indicator(context.Background(), "MALARIA_EST_INCIDENCE")
	require.NoError(t, err)
	assert.Equal(t, 3, stat.Observations)
	assert.Equal(t, 2021, stat.LatestYear)
	assert.InDelta(t, 150.0, stat.Latest, 1e-9)
	assert.InDelta(t, 200.0, stat.Mean, 1e-9)

	_, err = client.Indicator(context.Background(), "EMPTY")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = client.Indicator(context.Background(), "../etc")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStaticServices(t *testing.T) {
	ctx := context.Background()

	t.Run("Formulary", func(t *testing.T) {
		f := NewCuratedFormulary()
		label, err := f.DrugLabel(ctx, " Ibuprofen ")
		require.NoError(t, err)
		assert.Equal(t, "ibuprofen", label.Query)
		_, err = f.DrugLabel(ctx, "unknown")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		n, err := f.CoReportCount(ctx, "potassium chloride", "lisinopril")
		require.NoError(t, err)
		assert.Equal(t, 412, n)
	})

	t.Run("Normalizer", func(t *testing.T) {
		n := NewCuratedNormalizer()
		name, err := n.NormalizeDrug(ctx, "Coumadin")
		require.NoError(t, err)
		assert.Equal(t, "warfarin", name)
		_, err = n.NormalizeDrug(ctx, "warfarin")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Literature", func(t *testing.T) {
		lit := &StaticLiterature{Articles: map[string][]Article{
			"malaria": {{PMID: "1"}, {PMID: "2"}},
			"asthma":  {{PMID: "3"}},
		}}
		got, err := lit.SearchLiterature(ctx, "Malaria symptoms", 1)
		require.NoError(t, err)
		assert.Equal(t, []Article{{PMID: "1"}}, got)

		got, err = lit.SearchLiterature(ctx, "gout", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
